package main

import (
	"consultwatch/cmd/consultwatch/commands"
	"consultwatch/lib/configutil"
	"consultwatch/lib/serviceutil"
)

func main() {
	err := configutil.LoadDotEnv(".env")
	if err != nil {
		serviceutil.Fatal("failed to load .env", err)
	}
	commands.ExecuteContext(serviceutil.SignalContext())
}
