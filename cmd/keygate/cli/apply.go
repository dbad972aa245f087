package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/keygatehq/keygate/internal/keys"
	"github.com/keygatehq/keygate/internal/model"
	"github.com/keygatehq/keygate/internal/store"
)

// applyDoc is the declarative configuration format. Resources are matched by
// name within their workspace; missing ones are created, existing overrides
// are updated in place. Nothing is ever deleted by apply.
type applyDoc struct {
	Workspaces []applyWorkspace `yaml:"workspaces"`
}

type applyWorkspace struct {
	Name        string            `yaml:"name"`
	Keyrings    []string          `yaml:"keyrings"`
	Permissions []applyPermission `yaml:"permissions"`
	Roles       []applyRole       `yaml:"roles"`
	Namespaces  []applyNamespace  `yaml:"ratelimit_namespaces"`
}

type applyPermission struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type applyRole struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

type applyNamespace struct {
	Name      string          `yaml:"name"`
	Overrides []applyOverride `yaml:"overrides"`
}

type applyOverride struct {
	Identifier string `yaml:"identifier"`
	Limit      int64  `yaml:"limit"`
	Duration   int64  `yaml:"duration"` // milliseconds
	Async      *bool  `yaml:"async"`
}

func newApplyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply <file>",
		Short: "Sync declarative YAML configuration into the store",
		Long: "Create workspaces, keyrings, permissions, roles, ratelimit namespaces\n" +
			"and overrides from a YAML file. Existing resources are matched by name;\n" +
			"apply never deletes anything.",
		Example: `  keygate apply keygate-resources.yaml`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(args[0])
		},
	}

	return cmd
}

// applyStats tallies what a run touched.
type applyStats struct {
	created int
	updated int
	kept    int
}

func runApply(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	var doc applyDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	var stats applyStats
	for _, w := range doc.Workspaces {
		if err := applyWorkspaceDoc(ctx, st, w, &stats); err != nil {
			return err
		}
	}

	fmt.Printf("Applied %s: %d created, %d updated, %d unchanged\n",
		path, stats.created, stats.updated, stats.kept)
	return nil
}

func applyWorkspaceDoc(ctx context.Context, st *store.Store, w applyWorkspace, stats *applyStats) error {
	if strings.TrimSpace(w.Name) == "" {
		return fmt.Errorf("workspace with empty name")
	}

	ws, err := st.GetWorkspaceByName(ctx, w.Name)
	if err != nil {
		ws = &model.Workspace{ID: keys.NewID("ws"), Name: w.Name}
		if err := st.CreateWorkspace(ctx, ws); err != nil {
			return fmt.Errorf("create workspace %q: %w", w.Name, err)
		}
		stats.created++
	} else {
		stats.kept++
	}

	for _, name := range w.Keyrings {
		if _, err := st.GetKeyringByName(ctx, ws.ID, name); err == nil {
			stats.kept++
			continue
		}
		kr := &model.Keyring{ID: keys.NewID("ring"), WorkspaceID: ws.ID, Name: name}
		if err := st.CreateKeyring(ctx, kr); err != nil {
			return fmt.Errorf("create keyring %q: %w", name, err)
		}
		stats.created++
	}

	// Permission name -> id, for role linking below.
	permIDs := make(map[string]string)
	for _, p := range w.Permissions {
		existing, err := st.GetPermissionByName(ctx, ws.ID, p.Name)
		if err == nil {
			permIDs[p.Name] = existing.ID
			stats.kept++
			continue
		}
		np := &model.Permission{
			ID:          keys.NewID("perm"),
			WorkspaceID: ws.ID,
			Name:        p.Name,
			Slug:        strings.ReplaceAll(p.Name, ".", "-"),
			Description: p.Description,
		}
		if err := st.CreatePermission(ctx, np); err != nil {
			return fmt.Errorf("create permission %q: %w", p.Name, err)
		}
		permIDs[p.Name] = np.ID
		stats.created++
	}

	for _, r := range w.Roles {
		role, err := st.GetRoleByName(ctx, ws.ID, r.Name)
		if err != nil {
			role = &model.Role{
				ID:          keys.NewID("role"),
				WorkspaceID: ws.ID,
				Name:        r.Name,
				Description: r.Description,
			}
			if err := st.CreateRole(ctx, role); err != nil {
				return fmt.Errorf("create role %q: %w", r.Name, err)
			}
			stats.created++
		} else {
			stats.kept++
		}
		for _, permName := range r.Permissions {
			id, ok := permIDs[permName]
			if !ok {
				p, err := st.GetPermissionByName(ctx, ws.ID, permName)
				if err != nil {
					return fmt.Errorf("role %q references unknown permission %q", r.Name, permName)
				}
				id = p.ID
			}
			if err := st.AddPermissionToRole(ctx, role.ID, id); err != nil {
				return fmt.Errorf("link %q to role %q: %w", permName, r.Name, err)
			}
		}
	}

	for _, n := range w.Namespaces {
		ns, err := st.GetNamespaceByName(ctx, ws.ID, n.Name)
		if err != nil {
			ns = &model.RatelimitNamespace{ID: keys.NewID("ns"), WorkspaceID: ws.ID, Name: n.Name}
			if err := st.CreateNamespace(ctx, ns); err != nil {
				return fmt.Errorf("create namespace %q: %w", n.Name, err)
			}
			stats.created++
		} else {
			stats.kept++
		}

		existing, err := st.FindOverridesForNamespace(ctx, ns.ID)
		if err != nil {
			return fmt.Errorf("load overrides for %q: %w", n.Name, err)
		}
		byIdentifier := make(map[string]*model.RatelimitOverride, len(existing))
		for i := range existing {
			byIdentifier[existing[i].Identifier] = &existing[i]
		}

		for _, o := range n.Overrides {
			if o.Limit <= 0 || o.Duration <= 0 {
				return fmt.Errorf("override %q in %q: limit and duration must be positive", o.Identifier, n.Name)
			}
			cur, ok := byIdentifier[o.Identifier]
			if !ok {
				no := &model.RatelimitOverride{
					ID:          keys.NewID("ovr"),
					WorkspaceID: ws.ID,
					NamespaceID: ns.ID,
					Identifier:  o.Identifier,
					Limit:       o.Limit,
					Duration:    o.Duration,
					Async:       o.Async,
				}
				if err := st.CreateOverride(ctx, no); err != nil {
					return fmt.Errorf("create override %q: %w", o.Identifier, err)
				}
				stats.created++
				continue
			}
			if cur.Limit == o.Limit && cur.Duration == o.Duration && equalAsync(cur.Async, o.Async) {
				stats.kept++
				continue
			}
			cur.Limit = o.Limit
			cur.Duration = o.Duration
			cur.Async = o.Async
			if err := st.UpdateOverride(ctx, cur); err != nil {
				return fmt.Errorf("update override %q: %w", o.Identifier, err)
			}
			stats.updated++
		}
	}

	return nil
}

func equalAsync(a, b *bool) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
