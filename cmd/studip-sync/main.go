package main

import (
	"studipsync-backend/cmd/studip-sync/commands"
	"studipsync-backend/lib/serviceutil"
)

func main() {
	ctx := serviceutil.SignalContext()
	commands.ExecuteContext(ctx)
}
