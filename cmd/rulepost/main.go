package main

import (
	"os"

	"github.com/nuetzliches/rulepost/internal/app"
)

func main() {
	os.Exit(app.Main(os.Args))
}
