// Command duo is the command line client: sign in, see the day, tick tasks
// off and manage the pairing with a partner.
//
// The backend URL and data directory come from .duo.yaml or DUO_* variables
// (see internal/config), e.g.
//
//	DUO_BACKEND_URL=http://localhost:8080 duo login ana@example.com
package main

import (
	"os"

	"github.com/sakif/duo-routine/internal/commands"
)

func main() {
	os.Exit(commands.Execute())
}
