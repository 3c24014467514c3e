package main

import (
	"os"

	"github.com/kebairia/redis-backup/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
