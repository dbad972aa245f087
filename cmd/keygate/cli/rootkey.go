package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/keygatehq/keygate/internal/keys"
	"github.com/keygatehq/keygate/internal/model"
	"github.com/keygatehq/keygate/internal/rbac"
	"github.com/keygatehq/keygate/internal/store"
)

func newRootKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rootkey",
		Short: "Manage root keys",
		Long: "Create, list, and revoke root keys. A root key authorizes management\n" +
			"operations for exactly one workspace; the first one must be minted here\n" +
			"because the management API itself requires a root key.",
	}

	cmd.AddCommand(newRootKeyCreateCmd())
	cmd.AddCommand(newRootKeyListCmd())
	cmd.AddCommand(newRootKeyRevokeCmd())

	return cmd
}

// ---------- rootkey create ----------

func newRootKeyCreateCmd() *cobra.Command {
	var (
		workspace string
		name      string
		fromStdin bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a root key for a workspace",
		Long: "Mint a root key managing the given workspace. The workspace is matched\n" +
			"by id or name and created when it does not exist yet. The raw secret is\n" +
			"shown once and cannot be retrieved again.",
		Example: `  keygate rootkey create --workspace acme
  keygate rootkey create --workspace ws_018f... --name deploy-bot
  keygate rootkey create --workspace acme --from-stdin  # provide your own kgr_ secret`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRootKeyCreate(workspace, name, fromStdin)
		},
	}

	cmd.Flags().StringVar(&workspace, "workspace", "", "Workspace id or name (required)")
	cmd.Flags().StringVar(&name, "name", "", "Human-readable label for the key")
	cmd.Flags().BoolVar(&fromStdin, "from-stdin", false, "Read an externally generated secret from stdin instead of minting one")
	cmd.MarkFlagRequired("workspace")

	return cmd
}

func runRootKeyCreate(workspace, name string, fromStdin bool) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()

	ws, err := resolveWorkspace(ctx, st, workspace)
	if err != nil {
		// Bootstrap path: the named workspace does not exist yet.
		ws = &model.Workspace{ID: keys.NewID("ws"), Name: workspace}
		if err := st.CreateWorkspace(ctx, ws); err != nil {
			return fmt.Errorf("create workspace: %w", err)
		}
		fmt.Printf("Created workspace %q (%s)\n", ws.Name, ws.ID)
	}

	kr, err := defaultKeyring(ctx, st, ws.ID)
	if err != nil {
		return err
	}

	var secret, hash, start string
	if fromStdin {
		secret, err = readSecret()
		if err != nil {
			return err
		}
		if !keys.IsRootSecret(secret) {
			return fmt.Errorf("secret must start with %q", keys.RootSecretPrefix)
		}
		hash, start = keys.Hash(secret), keys.Start(secret)
	} else {
		gen, err := keys.Generate(keys.RootSecretPrefix, 32)
		if err != nil {
			return fmt.Errorf("generate secret: %w", err)
		}
		secret, hash, start = gen.Secret, gen.Hash, gen.Start
	}

	k := &model.Key{
		ID:             keys.NewID("key"),
		Hash:           hash,
		Start:          start,
		WorkspaceID:    ws.ID,
		KeyringID:      kr.ID,
		Name:           name,
		Enabled:        true,
		ForWorkspaceID: ws.ID,
	}
	if err := st.CreateKey(ctx, k); err != nil {
		return fmt.Errorf("create root key: %w", err)
	}
	if err := grantManagementAccess(ctx, st, ws.ID, k.ID); err != nil {
		return err
	}

	fmt.Println("Root key created:")
	fmt.Println()
	if fromStdin {
		fmt.Printf("  Key ID:    %s\n", k.ID)
		fmt.Printf("  Prefix:    %s\n", k.Start)
	} else {
		fmt.Printf("  Key:       %s\n", secret)
		fmt.Printf("  Key ID:    %s\n", k.ID)
	}
	fmt.Printf("  Workspace: %s (%s)\n", ws.Name, ws.ID)
	if name != "" {
		fmt.Printf("  Name:      %s\n", name)
	}
	fmt.Println()
	if !fromStdin {
		fmt.Println("  Save this key now - it cannot be retrieved again.")
	}
	return nil
}

// grantManagementAccess attaches the bootstrap grants to a freshly minted
// root key. Every management route demands a permission, so an ungranted
// root key could not even mint a narrower replacement for itself.
func grantManagementAccess(ctx context.Context, st *store.Store, workspaceID, keyID string) error {
	for _, name := range rbac.BootstrapGrants() {
		p, err := st.GetPermissionByName(ctx, workspaceID, name)
		if err != nil {
			p = &model.Permission{
				ID:          keys.NewID("perm"),
				WorkspaceID: workspaceID,
				Name:        name,
				Slug:        strings.ReplaceAll(name, ".", "-"),
				Description: "Management access",
			}
			if err := st.CreatePermission(ctx, p); err != nil {
				return fmt.Errorf("create grant %q: %w", name, err)
			}
		}
		if err := st.AttachPermissionToKey(ctx, keyID, p.ID); err != nil {
			return fmt.Errorf("attach grant %q: %w", name, err)
		}
	}
	return nil
}

// readSecret reads a secret without echo when stdin is a terminal, or a
// single trimmed line when it is piped.
func readSecret() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "Secret: ")
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read secret: %w", err)
		}
		return strings.TrimSpace(string(raw)), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read secret from stdin: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// ---------- rootkey list ----------

func newRootKeyListCmd() *cobra.Command {
	var (
		workspace  string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List the root keys of a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRootKeyList(workspace, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&workspace, "workspace", "", "Workspace id or name (required)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.MarkFlagRequired("workspace")

	return cmd
}

func runRootKeyList(workspace string, jsonOutput bool) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()

	ws, err := resolveWorkspace(ctx, st, workspace)
	if err != nil {
		return err
	}
	list, err := st.ListRootKeys(ctx, ws.ID)
	if err != nil {
		return fmt.Errorf("list root keys: %w", err)
	}

	type keyRow struct {
		ID      string `json:"id"`
		Prefix  string `json:"prefix"`
		Name    string `json:"name"`
		Enabled bool   `json:"enabled"`
	}
	rows := make([]keyRow, len(list))
	for i, k := range list {
		rows[i] = keyRow{ID: k.ID, Prefix: k.Start, Name: k.Name, Enabled: k.Enabled}
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	if len(rows) == 0 {
		fmt.Println("No root keys. Use 'keygate rootkey create' to create one.")
		return nil
	}

	fmt.Printf("%-38s %-14s %-24s %-8s\n", "ID", "PREFIX", "NAME", "ENABLED")
	fmt.Printf("%-38s %-14s %-24s %-8s\n", "--", "------", "----", "-------")
	for _, k := range rows {
		enabled := "yes"
		if !k.Enabled {
			enabled = "no"
		}
		fmt.Printf("%-38s %-14s %-24s %-8s\n", k.ID, k.Prefix, k.Name, enabled)
	}
	return nil
}

// ---------- rootkey revoke ----------

func newRootKeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke a root key",
		Long:  "Soft-delete a root key and record the revocation in the audit log.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRootKeyRevoke(args[0])
		},
	}

	return cmd
}

func runRootKeyRevoke(id string) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()

	k, err := st.GetKey(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("root key %q not found", id)
		}
		return fmt.Errorf("load key: %w", err)
	}
	if k.ForWorkspaceID == "" || k.DeletedAt != nil {
		return fmt.Errorf("root key %q not found", id)
	}

	if err := st.SoftDeleteKey(ctx, k.ID); err != nil {
		return fmt.Errorf("revoke root key: %w", err)
	}
	rec := &model.AuditRecord{
		ID:          keys.NewID("audit"),
		WorkspaceID: k.WorkspaceID,
		Event:       "key.revoked",
		ResourceID:  k.ID,
	}
	if err := st.AppendAudit(ctx, rec); err != nil {
		return fmt.Errorf("record audit entry: %w", err)
	}

	fmt.Printf("Revoked root key %s (%s...)\n", k.ID, k.Start)
	return nil
}
