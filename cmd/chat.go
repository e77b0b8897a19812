package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/verba0/verba/internal/relay"
)

// apologyMessage is what the user sees when the completion call itself
// fails; everything earlier in the turn degrades silently.
const apologyMessage = "Sorry, something went wrong on my side. Please try again."

func runChat(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	fmt.Println("Verba is listening. /new starts a fresh session, /clear wipes it, /quit exits.")
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for {
		fmt.Print("you> ")
		if !scanner.Scan() {
			fmt.Println("\nBye.")
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			if handleCommand(cmd, a, input) {
				break
			}
			continue
		}

		reply, err := a.relay.Respond(ctx, localUserID, input)
		switch {
		case errors.Is(err, relay.ErrDailyLimit):
			fmt.Println("Daily token allowance spent. Come back tomorrow.")
			continue
		case err != nil:
			a.logger.Error("turn failed", "error", err)
			fmt.Println(apologyMessage)
			continue
		}

		for _, chunk := range reply.Chunks {
			fmt.Println(chunk)
		}
		fmt.Println()
	}

	return scanner.Err()
}

// handleCommand runs a slash command; returns true when the loop should
// exit.
func handleCommand(cmd *cobra.Command, a *app, input string) bool {
	ctx := cmd.Context()

	switch input {
	case "/quit", "/exit":
		fmt.Println("Bye.")
		return true

	case "/new":
		id, err := a.relay.Reset(ctx, localUserID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "could not start a new session: %v\n", err)
			return false
		}
		fmt.Printf("New session %s.\n", id)

	case "/clear":
		if err := a.relay.Wipe(ctx, localUserID); err != nil {
			fmt.Fprintf(os.Stderr, "could not clear the session: %v\n", err)
			return false
		}
		fmt.Println("Session cleared.")

	case "/help":
		fmt.Println("Commands:")
		fmt.Println("  /new     close the current session and start fresh")
		fmt.Println("  /clear   delete the current session and its messages")
		fmt.Println("  /quit    exit")

	default:
		fmt.Printf("Unknown command %q. Try /help.\n", input)
	}
	return false
}
