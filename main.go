package main

import (
	"github.com/korrelio/reqscan/cmd"
	"github.com/korrelio/reqscan/internal/config"
)

func main() {
	config.LoadConfig()
	cmd.Execute()
}
