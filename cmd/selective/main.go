package main

import (
	"log"
	"os"

	_ "github.com/selectiveci/selective-ruby-core/runner/gotest"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
