package main

import (
	"os"

	"newswire/cmd/handlers"
)

func main() {
	os.Exit(handlers.Execute())
}
