package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
)

func main() {
	serve := flag.Bool("serve", false, "serve over stdin and stdout instead of starting a client")
	catalogFile := flag.String("catalog", "", "file backing the tool catalog, disabled when empty")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if *serve {
		if err := runServer(ctx, os.Stdin, os.Stdout, *catalogFile); err != nil {
			log.Fatalf("Server error: %v", err)
		}
		return
	}

	if err := runClient(ctx, *catalogFile); err != nil {
		log.Fatalf("Client error: %v", err)
	}
}
