package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/mkarren/switchboard/internal/config"
	"github.com/mkarren/switchboard/internal/models"
	"github.com/mkarren/switchboard/internal/remote"
	"gorm.io/gorm"
)

// Daemon is the main bridge process. It connects the guild platform, opens
// one remote-network connection per linked account, and pumps both
// directions through the Relay until the context is cancelled.
type Daemon struct {
	db       *gorm.DB
	cfg      *config.Config
	platform Platform
	out      io.Writer

	registry    *Registry
	provisioner *Provisioner
	threads     *ThreadStore
	relay       *Relay
	reconciler  *Reconciler
	janitor     *Janitor
}

// DaemonOpts holds parameters for creating a Daemon.
type DaemonOpts struct {
	DB       *gorm.DB
	Config   *config.Config
	Platform Platform
	Out      io.Writer // defaults to os.Stdout
}

// NewDaemon creates a Daemon and wires all bridge components.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("bridge: db is required")
	}
	if opts.Config == nil {
		return nil, fmt.Errorf("bridge: config is required")
	}
	if opts.Platform == nil {
		return nil, fmt.Errorf("bridge: platform is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	registry := NewRegistry()

	provisioner, err := NewProvisioner(opts.DB, opts.Platform, opts.Config.Discord.GuildID)
	if err != nil {
		return nil, err
	}
	threads, err := NewThreadStore(opts.DB, opts.Platform, provisioner)
	if err != nil {
		return nil, err
	}
	relay, err := NewRelay(RelayOpts{
		DB:          opts.DB,
		Platform:    opts.Platform,
		Registry:    registry,
		Threads:     threads,
		Provisioner: provisioner,
		Timeout:     time.Duration(opts.Config.Bridge.RequestTimeoutSec) * time.Second,
		Out:         out,
	})
	if err != nil {
		return nil, err
	}
	reconciler, err := NewReconciler(opts.DB, opts.Platform, threads, opts.Config.Bridge.ReplayWindow)
	if err != nil {
		return nil, err
	}
	janitor, err := NewJanitor(opts.DB, opts.Platform, threads, opts.Config.Bridge.IdleArchiveDays)
	if err != nil {
		return nil, err
	}

	return &Daemon{
		db:          opts.DB,
		cfg:         opts.Config,
		platform:    opts.Platform,
		out:         out,
		registry:    registry,
		provisioner: provisioner,
		threads:     threads,
		relay:       relay,
		reconciler:  reconciler,
		janitor:     janitor,
	}, nil
}

// Registry exposes the session registry for observability consumers.
func (d *Daemon) Registry() *Registry { return d.registry }

// Run starts the bridge and blocks until the context is cancelled. Guild
// events are processed serially on this goroutine; each remote connection
// gets its own serial pump. Both goroutines touch a session's chat state,
// which is why that state is guarded inside Session.
func (d *Daemon) Run(ctx context.Context) error {
	fmt.Fprintf(d.out, "Switchboard connecting...\n")
	if err := d.platform.Connect(ctx); err != nil {
		return fmt.Errorf("bridge: connect platform: %w", err)
	}

	guildEvents, err := d.platform.Listen(ctx)
	if err != nil {
		d.platform.Close()
		return fmt.Errorf("bridge: listen: %w", err)
	}

	// One remote connection per linked account.
	var accounts []models.RemoteAccount
	if err := d.db.Find(&accounts).Error; err != nil {
		d.platform.Close()
		return fmt.Errorf("bridge: load accounts: %w", err)
	}
	for _, acct := range accounts {
		go d.runAccount(ctx, acct)
	}

	go d.janitor.Run(ctx, d.cfg.Bridge.JanitorCron)

	fmt.Fprintf(d.out, "Switchboard online (%d linked accounts)\n", len(accounts))

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(d.out, "Switchboard shutting down...\n")
			if err := d.platform.Close(); err != nil {
				log.Printf("bridge: close platform: %v", err)
			}
			fmt.Fprintf(d.out, "Switchboard stopped\n")
			return nil
		case evt, ok := <-guildEvents:
			if !ok {
				fmt.Fprintf(d.out, "Switchboard guild event channel closed\n")
				return nil
			}
			d.relay.HandleGuildEvent(ctx, evt)
		}
	}
}

// runAccount authenticates one account against the remote network, opens
// its socket, registers the session (evicting any stale one), reconciles,
// and then pumps events until disconnect. Auth failures are logged with
// their distinct reasons and not retried.
func (d *Daemon) runAccount(ctx context.Context, acct models.RemoteAccount) {
	rest := remote.NewClient(d.cfg.Remote.APIURL, acct.Credential)

	profile, err := rest.Verify(ctx)
	if err != nil {
		var ae *remote.AuthError
		if errors.As(err, &ae) {
			log.Printf("bridge: account %s: authentication rejected: %s", acct.AccountID, ae.Reason)
		} else {
			log.Printf("bridge: account %s: verify: %v", acct.AccountID, err)
		}
		return
	}

	conn, err := remote.Dial(ctx, d.cfg.Remote.SocketURL, acct.Credential)
	if err != nil {
		log.Printf("bridge: account %s: dial socket: %v", acct.AccountID, err)
		return
	}

	s := &Session{
		Conn:        conn,
		Rest:        rest,
		OperatorID:  acct.OperatorID,
		AccountID:   acct.AccountID,
		Credential:  acct.Credential,
		DisplayName: profile.DisplayName,
	}
	d.registry.Register(s)
	fmt.Fprintf(d.out, "bridge: account %s connected as %q\n", acct.AccountID, profile.DisplayName)

	if err := d.reconciler.Reconcile(ctx, s); err != nil {
		log.Printf("bridge: account %s: reconcile: %v", acct.AccountID, err)
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return
		case evt, ok := <-conn.Events():
			if !ok {
				if _, removed := d.registry.RemoveByConn(conn); removed {
					log.Printf("bridge: account %s disconnected", s.AccountID)
				}
				return
			}
			d.relay.HandleRemoteEvent(ctx, s, evt.Name, evt.Data)
		}
	}
}
