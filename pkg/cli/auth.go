package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	urfave "github.com/urfave/cli/v3"
	"github.com/zalando/go-keyring"
)

const (
	tokenFileName  = "tracking_token"
	tokenFileMode  = 0600
	keyringService = "mlstep"
	keyringUser    = "tracking_token"
	tokenFlagName  = "token"

	envTrackingToken = "MLFLOW_TRACKING_TOKEN"
)

var errNoToken = errors.New("tracking token not found")

func authCmd() *urfave.Command {
	return &urfave.Command{
		Name:            "auth",
		HideHelpCommand: true,
		Usage:           "Save the access token used with remote tracking servers",
		Flags: []urfave.Flag{
			&urfave.StringFlag{
				Name:  tokenFlagName,
				Usage: "Access token (optional, prompts when not set)",
			},
		},
		Action: cmdAuth,
	}
}

func cmdAuth(_ context.Context, cmd *urfave.Command) error {
	cfg, err := getConfig(cmd)
	if err != nil {
		return err
	}

	token := cmd.String(tokenFlagName)
	if token == "" {
		out := output(cmd)
		fmt.Fprint(out, "Paste the tracking server access token and hit enter:\n>")

		in := cmd.Root().Reader
		if in == nil {
			in = os.Stdin
		}
		token, err = readToken(in)
		if err != nil {
			return fmt.Errorf("reading token: %w", err)
		}
	}

	if err := saveTrackingToken(cfg.Dir, token); err != nil {
		return fmt.Errorf("saving token: %w", err)
	}

	fmt.Fprintln(output(cmd), "Token saved")
	return nil
}

func readToken(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	token := strings.TrimSpace(line)
	if token == "" {
		return "", errNoToken
	}
	return token, nil
}

func saveTrackingToken(dir, token string) error {
	if err := keyring.Set(keyringService, keyringUser, token); err != nil {
		slog.Warn("keychain unavailable, falling back to file", "error", err)
		return saveTrackingTokenFile(dir, token)
	}

	// clean up legacy file if it exists
	os.Remove(filepath.Join(dir, tokenFileName))

	return nil
}

// getTrackingToken resolves the token from the environment, the OS keychain
// and finally the token file in the config dir.
func getTrackingToken(dir string) (string, error) {
	if token := os.Getenv(envTrackingToken); token != "" {
		return token, nil
	}

	token, err := keyring.Get(keyringService, keyringUser)
	if err == nil && token != "" {
		return token, nil
	}

	token, err = getTrackingTokenFile(dir)
	if err != nil {
		return "", err
	}

	// migrate to keychain
	if migrateErr := keyring.Set(keyringService, keyringUser, token); migrateErr == nil {
		slog.Info("migrated token from file to OS keychain")
		os.Remove(filepath.Join(dir, tokenFileName))
	}

	return token, nil
}

func saveTrackingTokenFile(dir, token string) error {
	tokenPath := filepath.Join(dir, tokenFileName)
	return os.WriteFile(tokenPath, []byte(token), tokenFileMode)
}

func getTrackingTokenFile(dir string) (string, error) {
	tokenPath := filepath.Join(dir, tokenFileName)
	b, err := os.ReadFile(tokenPath)
	if err != nil {
		return "", fmt.Errorf("%w: reading token file %s: %w", errNoToken, tokenPath, err)
	}
	token := strings.TrimSpace(string(b))
	if token == "" {
		return "", errNoToken
	}
	return token, nil
}
