package main

import (
	"context"
	"log"

	"scene-sync/engine/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		log.Fatalf("%v", err)
	}
}
