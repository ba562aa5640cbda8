// Command erdctl joins a diagram room from the terminal. Its edits are
// broadcast and saved like edits from any other participant.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/npezzotti/go-erd/internal/client"
	"github.com/npezzotti/go-erd/internal/config"
	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:8000"

var (
	serverURL string
	email     string
	password  string

	logger = log.New(os.Stderr, "[erdctl] ", log.LstdFlags)
	// cl is the logged in client, set before any subcommand runs
	cl *client.Client
)

var rootCmd = &cobra.Command{
	Use:   "erdctl",
	Short: "Collaborative ER diagram command line",
	Long: "Watch, export and edit shared ER diagrams. Credentials default to ERD_SERVER, ERD_EMAIL and " +
		"ERD_PASSWORD, read from the environment or a .env file.",
	SilenceUsage:      true,
	PersistentPreRunE: login,
}

// login resolves the connection flags and signs in.
func login(cmd *cobra.Command, args []string) error {
	if err := config.LoadEnv(); err != nil {
		return fmt.Errorf("env: %w", err)
	}
	if serverURL == "" {
		serverURL = config.Getenv("ERD_SERVER", defaultServer)
	}
	if email == "" {
		email = config.Getenv("ERD_EMAIL", "")
	}
	if password == "" {
		password = config.Getenv("ERD_PASSWORD", "")
	}

	c, err := client.New(serverURL, logger)
	if err != nil {
		return err
	}
	if _, err := c.Login(cmd.Context(), email, password); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	cl = c
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "server url (default "+defaultServer+")")
	rootCmd.PersistentFlags().StringVar(&email, "email", "", "account email")
	rootCmd.PersistentFlags().StringVar(&password, "password", "", "account password")

	setupCommands()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
