package main

import (
	"log"
	"sync"

	"disperse/cmd/internal/passphrase"
	"disperse/services/disperserd"
)

func main() {
	var (
		once   sync.Once
		source *passphrase.Source
	)
	resolve := func(envVar string) (string, error) {
		once.Do(func() { source = passphrase.NewSource(envVar) })
		return source.Get()
	}
	if err := disperserd.Main(disperserd.WithPassphrase(resolve)); err != nil {
		log.Fatal(err)
	}
}
