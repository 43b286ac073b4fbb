package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/k0kubun/pp/v3"

	"github.com/davidroman0O/flowlite"
	"github.com/davidroman0O/flowlite/httpflow"
)

const defaultDemoURL = "https://httpbin.org/anything/http-workflow"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "server":
		err = runServer(os.Args[2:])
	case "worker":
		err = runWorker(os.Args[2:])
	case "run":
		err = runWorkflow(os.Args[2:])
	case "describe":
		err = describeExecution(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `usage: flowlite <command> [flags]

commands:
  server    run the broker
  worker    run a worker replica set with the http demo handlers
  run       submit the http demo workflow and print its result
  describe  print the stored record of an execution

run 'flowlite <command> -h' for the command's flags
`)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runServer(args []string) error {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	addr := fs.String("addr", flowlite.DefaultAddress, "listen address")
	sqlitePath := fs.String("sqlite", "", "sqlite database path (empty keeps state in memory)")
	fs.Parse(args)

	ctx, stop := signalContext()
	defer stop()

	opts := []flowlite.ServerOption{flowlite.WithAddress(*addr)}
	if *sqlitePath != "" {
		db, err := flowlite.NewSQLiteDatabase(ctx, *sqlitePath)
		if err != nil {
			return err
		}
		defer db.Close()
		opts = append(opts, flowlite.WithServerDatabase(db))
	}

	srv, err := flowlite.NewServer(ctx, opts...)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}
	fmt.Println("broker listening on", srv.Addr())

	<-ctx.Done()
	stop()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Stop(stopCtx)
}

func runWorker(args []string) error {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	addr := fs.String("addr", flowlite.DefaultAddress, "broker address")
	queue := fs.String("queue", httpflow.TaskQueue, "task queue to poll")
	slots := fs.Int("slots", flowlite.DefaultMaxConcurrentActivities, "max concurrent activities per replica")
	replicas := fs.Int("replicas", flowlite.DefaultNumWorkers, "worker replicas")
	fs.Parse(args)

	ctx, stop := signalContext()
	defer stop()

	rt, err := flowlite.NewRuntime(flowlite.RuntimeConfig{
		Address:                 *addr,
		TaskQueue:               *queue,
		MaxConcurrentActivities: *slots,
		NumWorkers:              *replicas,
	})
	if err != nil {
		return err
	}
	if err := httpflow.Register(rt); err != nil {
		return err
	}
	if err := rt.Start(ctx); err != nil {
		return err
	}
	fmt.Printf("worker replicas running: queue=%s replicas=%d slots=%d\n", *queue, *replicas, *slots)

	waitCh := make(chan error, 1)
	go func() { waitCh <- rt.Wait() }()

	select {
	case <-ctx.Done():
		stop()
		stopCtx, cancel := context.WithTimeout(context.Background(), flowlite.DefaultDrainTimeout)
		defer cancel()
		if err := rt.Stop(stopCtx); err != nil {
			return err
		}
		return <-waitCh
	case err := <-waitCh:
		// every replica exited on its own, nothing left to supervise
		return err
	}
}

func runWorkflow(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	addr := fs.String("addr", flowlite.DefaultAddress, "broker address")
	queue := fs.String("queue", httpflow.TaskQueue, "task queue to submit on")
	id := fs.String("id", httpflow.WorkflowID, "workflow execution id")
	url := fs.String("url", defaultDemoURL, "url the workflow fetches")
	fs.Parse(args)

	ctx, stop := signalContext()
	defer stop()

	client, err := flowlite.Dial(ctx, *addr)
	if err != nil {
		return err
	}
	defer client.Close()

	future, err := client.ExecuteWorkflow(ctx, flowlite.StartWorkflowOptions{
		ID:        *id,
		TaskQueue: *queue,
	}, httpflow.HTTPWorkflow, *url)
	if err != nil {
		return err
	}

	var body string
	if err := future.Get(&body); err != nil {
		return err
	}
	fmt.Println(body)
	return nil
}

func describeExecution(args []string) error {
	fs := flag.NewFlagSet("describe", flag.ExitOnError)
	addr := fs.String("addr", flowlite.DefaultAddress, "broker address")
	id := fs.String("id", httpflow.WorkflowID, "workflow execution id")
	fs.Parse(args)

	ctx, stop := signalContext()
	defer stop()

	client, err := flowlite.Dial(ctx, *addr)
	if err != nil {
		return err
	}
	defer client.Close()

	execution, invocations, err := client.DescribeExecution(ctx, *id)
	if err != nil {
		return err
	}
	pp.Println(execution)
	for _, inv := range invocations {
		pp.Println(inv)
	}
	return nil
}
