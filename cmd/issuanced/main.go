// Command issuanced runs the issuance engine daemon: the HTTP API, the
// metrics endpoint and the feed refresher.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/R3E-Network/issuance_layer/internal/app/runtime"
)

func main() {
	envFile := flag.String("env", "", "optional env file loaded before configuration")
	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			fmt.Fprintf(os.Stderr, "issuanced: load env (%s): %v\n", *envFile, err)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := runtime.NewApplication(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "issuanced: %v\n", err)
		os.Exit(1)
	}

	if err := app.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "issuanced: %v\n", err)
		os.Exit(1)
	}

	if err := app.Shutdown(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "issuanced: shutdown: %v\n", err)
		os.Exit(1)
	}
}
