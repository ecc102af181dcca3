package rolesync

import (
	"fmt"
	"os"
	"time"

	"github.com/rcourtman/pulse-rolesync/internal/crypto"
	"github.com/rcourtman/pulse-rolesync/internal/discord"
	"github.com/rcourtman/pulse-rolesync/internal/logging"
	"github.com/rcourtman/pulse-rolesync/internal/rolesync/linker"
	"github.com/rcourtman/pulse-rolesync/internal/rolesync/membership"
	"github.com/rcourtman/pulse-rolesync/internal/rolesync/plans"
	"github.com/rcourtman/pulse-rolesync/internal/rolesync/reconcile"
	"github.com/rcourtman/pulse-rolesync/internal/rolesync/registry"
	"github.com/rcourtman/pulse-rolesync/internal/rolesync/roles"
	"github.com/rs/zerolog/log"
)

const (
	platformHTTPTimeout = 15 * time.Second
	stateTTL            = 10 * time.Minute
)

// Service is the assembled role sync component graph. One platform client
// and one reconciler are shared by every entry point in the process.
type Service struct {
	Config     *Config
	Registry   *registry.LinkRegistry
	Resolver   *discord.Resolver
	Platform   *discord.Client
	Linker     *linker.Linker
	States     *linker.StateSigner
	Mapper     *roles.Mapper
	Members    *membership.Ensurer
	Reconciler *reconcile.Reconciler
	Plans      *plans.Book
	Sweeper    *Sweeper
}

// Open loads configuration from the environment, initializes logging and
// builds the service.
func Open(version string) (*Service, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "rolesync",
	})
	log.Debug().Str("version", version).Str("data_dir", cfg.DataDir).Msg("Configuration loaded")

	return NewService(cfg, version)
}

// NewService opens the registry and wires every component from cfg.
func NewService(cfg *Config, version string) (*Service, error) {
	mapper, err := roles.NewMapper(cfg.RoleConfig())
	if err != nil {
		return nil, fmt.Errorf("build role map: %w", err)
	}

	cipher, err := crypto.NewTokenCipher(cfg.TokenKey)
	if err != nil {
		return nil, fmt.Errorf("init token cipher: %w", err)
	}

	if err := os.MkdirAll(cfg.RegistryDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	reg, err := registry.NewLinkRegistry(cfg.RegistryDir(), cipher)
	if err != nil {
		return nil, fmt.Errorf("open link registry: %w", err)
	}

	svc := &Service{Config: cfg, Registry: reg, Mapper: mapper}
	if err := svc.wire(version); err != nil {
		_ = reg.Close()
		return nil, err
	}
	return svc, nil
}

func (s *Service) wire(version string) error {
	cfg := s.Config

	s.Resolver = discord.NewResolver(0)
	platform, err := discord.NewClient(cfg.ClientConfig(discord.NewHTTPClient(s.Resolver, platformHTTPTimeout), version))
	if err != nil {
		return fmt.Errorf("init platform client: %w", err)
	}
	s.Platform = platform

	s.Linker, err = linker.New(linker.Config{
		ClientID:     cfg.Discord.ClientID,
		ClientSecret: cfg.Discord.ClientSecret,
		RedirectURI:  cfg.Discord.RedirectURI,
		AuthURL:      cfg.Discord.AuthURL,
		TokenURL:     cfg.TokenURL(),
	}, platform, s.Registry)
	if err != nil {
		return fmt.Errorf("init linker: %w", err)
	}

	s.States, err = linker.NewStateSigner(cfg.StateSecret, stateTTL)
	if err != nil {
		return fmt.Errorf("init state signer: %w", err)
	}

	s.Members, err = membership.New(membership.Config{
		GuildID:  cfg.Discord.GuildID,
		AutoJoin: cfg.AutoJoin,
	}, platform, s.Linker)
	if err != nil {
		return fmt.Errorf("init membership ensurer: %w", err)
	}

	s.Reconciler, err = reconcile.New(cfg.Discord.GuildID, s.Registry, s.Members, platform, s.Mapper)
	if err != nil {
		return fmt.Errorf("init reconciler: %w", err)
	}
	s.Linker.GuardRelinks(s.Reconciler)

	s.Plans = plans.NewBook(s.Registry)
	s.Sweeper = NewSweeper(s.Registry, s.Plans, s.Reconciler, cfg.SweepInterval, cfg.SweepConcurrency)
	return nil
}

// Close releases the registry.
func (s *Service) Close() error {
	return s.Registry.Close()
}
