package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	pb "go.gazette.dev/core/broker/protocol"

	"go.entitycore.dev/core/entity"
	"go.entitycore.dev/core/entity/gazettejournal"
	"go.entitycore.dev/core/entity/memjournal"
	"go.entitycore.dev/core/entity/protocol"
	"go.entitycore.dev/core/entity/sqlitesnapshot"
	"go.entitycore.dev/core/examples/counter"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	Amounts []int
}

func newRunCommand() *cobra.Command {
	var opts = &RunOptions{}

	var cmd = &cobra.Command{
		Use:   "run",
		Short: "Run a counter entity, apply any --amount increments, print its value",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEntity(opts)
		},
	}
	cmd.Flags().IntSliceVar(&opts.Amounts, "amount", nil, "amount to increment the counter by (repeatable)")
	return cmd
}

func runEntity(opts *RunOptions) error {
	var cfg *Config
	var err error
	if configPath != "" {
		cfg, err = loadConfig(configPath)
	} else {
		cfg = defaultConfig()
	}
	if err != nil {
		return err
	}

	journal, snapshots, closeBackend, err := openBackend(cfg)
	if err != nil {
		return errors.WithMessage(err, "opening backend")
	}
	defer closeBackend()

	var behavior = counter.New(cfg.PersistenceID)
	var entityOpts []entity.Option
	if cfg.MaxMessageBatchSize > 0 {
		entityOpts = append(entityOpts, entity.WithMaxMessageBatchSize(cfg.MaxMessageBatchSize))
	}
	var e = entity.New(behavior, journal, snapshots, entityOpts...)

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var sigCh = make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		log.Info("entityctl: received signal, shutting down")
		cancel()
	}()

	var runDone = make(chan error, 1)
	go func() { runDone <- e.Run(ctx) }()

	for _, amount := range opts.Amounts {
		e.Send(counter.Increment{By: amount})
	}

	var reply = make(chan int, 1)
	var deadline = time.After(5 * time.Second)
	e.Send(counter.GetValue{ReplyTo: reply})
	select {
	case value := <-reply:
		fmt.Printf("%s = %d\n", cfg.PersistenceID, value)
	case <-deadline:
		return errors.New("timed out waiting for counter value")
	}

	cancel()
	<-runDone
	return nil
}

func openBackend(cfg *Config) (protocol.Journal, protocol.SnapshotStore, func(), error) {
	switch cfg.Backend {
	case "", "memory":
		var journal = memjournal.New()
		return journal, journal, func() {}, nil

	case "gazette":
		conn, err := grpc.Dial(cfg.Journal.Broker, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, nil, nil, errors.WithMessage(err, "dialing gazette broker")
		}
		var rjc = pb.NewRoutedJournalClient(pb.NewJournalClient(conn), pb.NoopDispatchRouter{})
		var journal = gazettejournal.New(context.Background(), rjc, func(persistenceID string) pb.Journal {
			return pb.Journal(cfg.Journal.Name)
		})

		snapshots, err := sqlitesnapshot.Open(cfg.Snapshot.Path)
		if err != nil {
			conn.Close()
			return nil, nil, nil, errors.WithMessage(err, "opening snapshot store")
		}

		return journal, snapshots, func() {
			snapshots.Close()
			conn.Close()
		}, nil

	default:
		return nil, nil, nil, errors.Errorf("unknown backend %q", cfg.Backend)
	}
}
