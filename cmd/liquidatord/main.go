package main

import (
	"log"

	liquidatord "liquidator/internal/liquidatord"
)

func main() {
	if err := liquidatord.Main(); err != nil {
		log.Fatalf("liquidatord: %v", err)
	}
}
