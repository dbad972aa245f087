package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/keygatehq/keygate/internal/keys"
	"github.com/keygatehq/keygate/internal/model"
	"github.com/keygatehq/keygate/internal/store"
)

// dataDir holds the --data-dir persistent flag value (set on root command).
var dataDir string

// resolveDataDir returns the data directory from the --data-dir flag, the
// KEYGATE_DATA_DIR env var, or ~/.keygate as fallback.
func resolveDataDir() string {
	if dataDir != "" {
		return dataDir
	}
	if envDir := viper.GetString("data_dir"); envDir != "" {
		return envDir
	}
	return "$HOME/.keygate"
}

// openStore opens the store named by database.dsn, falling back to the
// embedded SQLite file under the data directory.
func openStore() (*store.Store, error) {
	if dsn := viper.GetString("database.dsn"); dsn != "" {
		return store.Open(dsn)
	}
	return store.OpenDir(expandHome(resolveDataDir()))
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "$HOME") {
		if home, err := os.UserHomeDir(); err == nil {
			return home + strings.TrimPrefix(path, "$HOME")
		}
	}
	return path
}

// resolveWorkspace finds a live workspace by id first, then by name.
func resolveWorkspace(ctx context.Context, st *store.Store, ref string) (*model.Workspace, error) {
	if ws, err := st.GetWorkspace(ctx, ref); err == nil {
		return ws, nil
	}
	ws, err := st.GetWorkspaceByName(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("workspace %q not found", ref)
	}
	return ws, nil
}

// defaultKeyring returns the workspace's "default" keyring, creating it when
// absent. Root keys minted from the CLI live there.
func defaultKeyring(ctx context.Context, st *store.Store, workspaceID string) (*model.Keyring, error) {
	kr, err := st.GetKeyringByName(ctx, workspaceID, "default")
	if err == nil {
		return kr, nil
	}
	kr = &model.Keyring{
		ID:          keys.NewID("ring"),
		WorkspaceID: workspaceID,
		Name:        "default",
	}
	if err := st.CreateKeyring(ctx, kr); err != nil {
		return nil, fmt.Errorf("create default keyring: %w", err)
	}
	return kr, nil
}

// versionString returns a display version string.
func versionString() string {
	if appVersion == "" || appVersion == "dev" {
		return "dev"
	}
	if strings.HasPrefix(appVersion, "v") {
		return appVersion
	}
	return "v" + appVersion
}
