package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"steeltrack/internal/app"
	"steeltrack/internal/audit"
	"steeltrack/internal/config"
	"steeltrack/internal/dashboard"
	"steeltrack/internal/db"
	"steeltrack/internal/domain"
	"steeltrack/internal/engine"
	"steeltrack/internal/engine/auth"
	"steeltrack/internal/migrate"
	"steeltrack/internal/notify"
	"steeltrack/internal/repo"
	"steeltrack/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "stk",
	Short: "Steeltrack CLI",
	Long: `Steeltrack tracks steel connection approvals across construction projects.
A connection moves requested -> in_progress -> done -> approved; an approver
can reject a done connection back to in_progress with a reason. Every step
is role-gated, recorded in an immutable history, written to the audit log
and fanned out as notifications to the interested project members.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STEELTRACK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("as", "admin", "username to act as")
	rootCmd.PersistentFlags().String("project", "", "project name or id (overrides the single-project default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("as", rootCmd.PersistentFlags().Lookup("as"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(connectionCmd())
	rootCmd.AddCommand(dashboardCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(notificationsCmd())
}

func initCmd() *cobra.Command {
	var adminUser, adminEmail string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the workspace: config file, schema and seed data",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Println("wrote", cfgPath)
			}
			conn, err := db.Open(workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			version, err := migrate.Version(conn)
			if err != nil {
				return err
			}
			admin, err := app.Seed(cmd.Context(), repo.Repo{DB: conn}, adminUser, adminEmail)
			if err != nil {
				return err
			}
			fmt.Printf("database %s, schema version %d, admin user %q (%s)\n",
				db.Path(workspace), version, admin.Username, admin.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&adminUser, "admin-user", "admin", "initial admin username")
	cmd.Flags().StringVar(&adminEmail, "admin-email", "", "initial admin email")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			if cfg.Mail.Enabled {
				e.Notify.Mailer = notify.SMTPMailer{Host: cfg.Mail.Host, Port: cfg.Mail.Port, From: cfg.Mail.From}
			}
			secret := cfg.Auth.Secret
			if env := os.Getenv("STEELTRACK_JWT_SECRET"); env != "" {
				secret = env
			}
			if secret == "" {
				return fmt.Errorf("auth secret is required: set auth.secret or STEELTRACK_JWT_SECRET")
			}
			ttl := time.Duration(cfg.CacheTTLSecondsOrDefault()) * time.Second
			agg := dashboard.New(conn, dashboard.NewCache(ttl, nil))
			handler, err := server.New(server.Config{
				Engine:    e,
				Dashboard: agg,
				BasePath:  basePath,
				Auth: server.AuthConfig{
					JWTSecret:      secret,
					Issuer:         cfg.Auth.Issuer,
					AllowDevTokens: cfg.Auth.DevTokens,
				},
			})
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Steeltrack API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			e.Notify.Wait()
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectAddMemberCmd())
	prj.AddCommand(projectRemoveMemberCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var name, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				actor, err := resolveActor(ctx, r)
				if err != nil {
					return err
				}
				p := domain.Project{
					ID:          uuid.New().String(),
					Name:        name,
					Description: desc,
					CreatorID:   &actor.ID,
					CreatedAt:   time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertProject(ctx, p); err != nil {
					return err
				}
				// The creator starts as a member.
				if err := r.AddProjectMember(ctx, p.ID, actor.ID, p.CreatedAt); err != nil {
					return err
				}
				rec := audit.Recorder{Repo: r}
				rec.Record(ctx, audit.ActionProjectCreated, actor.ID, "projects", p.ID,
					fmt.Sprintf("Project %s created.", p.Name))
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&desc, "description", "", "project description")
	return cmd
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Description", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Description, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func projectAddMemberCmd() *cobra.Command {
	var username string
	cmd := &cobra.Command{
		Use:   "add-member",
		Short: "Add a user to a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if username == "" {
				return fmt.Errorf("--user required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := app.ResolveProject(ctx, r, viper.GetString("project"))
				if err != nil {
					return err
				}
				u, err := r.GetUserByUsername(ctx, username)
				if err != nil {
					return err
				}
				now := time.Now().UTC().Format(time.RFC3339)
				if err := r.AddProjectMember(ctx, p.ID, u.ID, now); err != nil {
					return err
				}
				actor, err := resolveActor(ctx, r)
				if err != nil {
					return err
				}
				rec := audit.Recorder{Repo: r}
				rec.Record(ctx, audit.ActionProjectMemberAdded, actor.ID, "projects", p.ID,
					fmt.Sprintf("User %s added to project %s.", u.Username, p.Name))
				fmt.Printf("added %s to %s\n", u.Username, p.Name)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&username, "user", "", "username to add")
	return cmd
}

func projectRemoveMemberCmd() *cobra.Command {
	var username string
	cmd := &cobra.Command{
		Use:   "remove-member",
		Short: "Remove a user from a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if username == "" {
				return fmt.Errorf("--user required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := app.ResolveProject(ctx, r, viper.GetString("project"))
				if err != nil {
					return err
				}
				u, err := r.GetUserByUsername(ctx, username)
				if err != nil {
					return err
				}
				if err := r.RemoveProjectMember(ctx, p.ID, u.ID); err != nil {
					return err
				}
				actor, err := resolveActor(ctx, r)
				if err != nil {
					return err
				}
				rec := audit.Recorder{Repo: r}
				rec.Record(ctx, audit.ActionProjectMemberRemoved, actor.ID, "projects", p.ID,
					fmt.Sprintf("User %s removed from project %s.", u.Username, p.Name))
				fmt.Printf("removed %s from %s\n", u.Username, p.Name)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&username, "user", "", "username to remove")
	return cmd
}

func userCmd() *cobra.Command {
	usr := &cobra.Command{Use: "user", Short: "Manage users and roles"}
	usr.AddCommand(userCreateCmd())
	usr.AddCommand(userListCmd())
	usr.AddCommand(userGrantCmd())
	return usr
}

func userCreateCmd() *cobra.Command {
	var username, fullName, email string
	var roles []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if username == "" {
				return fmt.Errorf("--username required")
			}
			for _, role := range roles {
				if !validRole(role) {
					return fmt.Errorf("unknown role %q", role)
				}
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				u := domain.User{
					ID:        uuid.New().String(),
					Username:  username,
					FullName:  fullName,
					Email:     email,
					Active:    true,
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertUser(ctx, u); err != nil {
					return err
				}
				for _, role := range roles {
					if err := r.GrantRole(ctx, u.ID, role); err != nil {
						return err
					}
				}
				actor, err := resolveActor(ctx, r)
				if err != nil {
					return err
				}
				rec := audit.Recorder{Repo: r}
				rec.Record(ctx, audit.ActionUserCreated, actor.ID, "users", u.ID,
					fmt.Sprintf("User %s created.", u.Username))
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "unique username")
	cmd.Flags().StringVar(&fullName, "full-name", "", "display name")
	cmd.Flags().StringVar(&email, "email", "", "email address")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "roles to grant (requester, executor, approver, admin)")
	return cmd
}

func userListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Username", "Name", "Email", "Active", "Roles"})
				for _, u := range items {
					userRoles, err := r.UserRoles(ctx, u.ID)
					if err != nil {
						return err
					}
					tw.AppendRow(table.Row{u.ID, u.Username, u.FullName, u.Email, u.Active, strings.Join(userRoles, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func userGrantCmd() *cobra.Command {
	var username, role string
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant a role to a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if username == "" || role == "" {
				return fmt.Errorf("--username and --role required")
			}
			if !validRole(role) {
				return fmt.Errorf("unknown role %q", role)
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				u, err := r.GetUserByUsername(ctx, username)
				if err != nil {
					return err
				}
				if err := r.GrantRole(ctx, u.ID, role); err != nil {
					return err
				}
				actor, err := resolveActor(ctx, r)
				if err != nil {
					return err
				}
				rec := audit.Recorder{Repo: r}
				rec.Record(ctx, audit.ActionRoleGranted, actor.ID, "users", u.ID,
					fmt.Sprintf("Role %s granted to %s.", role, u.Username))
				fmt.Printf("granted %s to %s\n", role, u.Username)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "username")
	cmd.Flags().StringVar(&role, "role", "", "role to grant")
	return cmd
}

func connectionCmd() *cobra.Command {
	conn := &cobra.Command{Use: "connection", Short: "Manage connections"}
	conn.AddCommand(connectionCreateCmd())
	conn.AddCommand(connectionListCmd())
	conn.AddCommand(connectionShowCmd())
	conn.AddCommand(connectionTransitionCmd())
	conn.AddCommand(connectionAssignCmd())
	conn.AddCommand(connectionCommentCmd())
	return conn
}

func connectionCreateCmd() *cobra.Command {
	var typ, subtype, topology, desc string
	var profiles []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create connection",
		RunE: func(cmd *cobra.Command, args []string) error {
			if typ == "" || subtype == "" || topology == "" {
				return fmt.Errorf("--type, --subtype and --topology required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := resolveEngineActor(ctx, e)
				if err != nil {
					return err
				}
				p, err := app.ResolveProject(ctx, e.Repo, viper.GetString("project"))
				if err != nil {
					return err
				}
				c, err := e.CreateConnection(ctx, engine.CreateOptions{
					ProjectID:   p.ID,
					Type:        typ,
					Subtype:     subtype,
					Topology:    topology,
					Description: desc,
					Profiles:    profiles,
					Actor:       actor,
				})
				if err != nil {
					return err
				}
				e.Notify.Wait()
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "connection type (bolted, welded, base)")
	cmd.Flags().StringVar(&subtype, "subtype", "", "connection subtype")
	cmd.Flags().StringVar(&topology, "topology", "", "topology name from the catalog")
	cmd.Flags().StringVar(&desc, "description", "", "free-form description")
	cmd.Flags().StringSliceVar(&profiles, "profile", nil, "profile sections, in template order")
	return cmd
}

func connectionListCmd() *cobra.Command {
	var state, requester, executor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var projectID string
				if override := viper.GetString("project"); override != "" {
					p, err := app.ResolveProject(ctx, e.Repo, override)
					if err != nil {
						return err
					}
					projectID = p.ID
				}
				items, err := e.Repo.ListConnections(ctx, repo.ConnectionFilters{
					ProjectID:   projectID,
					State:       state,
					RequesterID: requester,
					ExecutorID:  executor,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Code", "State", "Type", "Topology", "Requester", "Executor", "Updated"})
				for _, c := range items {
					executorID := ""
					if c.ExecutorID != nil {
						executorID = *c.ExecutorID
					}
					tw.AppendRow(table.Row{c.Code, c.State, c.Type + "/" + c.Subtype, c.Topology, c.RequesterID, executorID, c.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "state filter")
	cmd.Flags().StringVar(&requester, "requester", "", "requester user id")
	cmd.Flags().StringVar(&executor, "executor", "", "executor user id")
	return cmd
}

func connectionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <code-or-id>",
		Short: "Show connection with history and comments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := findConnection(ctx, e.Repo, args[0])
				if err != nil {
					return err
				}
				hist, err := e.History.List(ctx, c.ID)
				if err != nil {
					return err
				}
				comments, err := e.Repo.ListComments(ctx, c.ID)
				if err != nil {
					return err
				}
				out := map[string]any{
					"connection": c,
					"history":    hist,
					"comments":   comments,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("%s [%s] %s/%s %s\n", c.Code, c.State, c.Type, c.Subtype, c.Topology)
				if c.Description != "" {
					fmt.Println(c.Description)
				}
				if c.RejectionDetail != nil {
					fmt.Println("last rejection:", *c.RejectionDetail)
				}
				fmt.Println("History:")
				for _, h := range hist {
					detail := ""
					if h.Detail != nil {
						detail = " - " + *h.Detail
					}
					fmt.Printf("  %s %s by %s%s\n", h.TS, h.State, h.UserID, detail)
				}
				for _, cm := range comments {
					fmt.Printf("Comment %s by %s: %s\n", cm.CreatedAt, cm.UserID, cm.Content)
				}
				return nil
			})
		},
	}
	return cmd
}

func connectionTransitionCmd() *cobra.Command {
	var detail string
	cmd := &cobra.Command{
		Use:   "transition <code-or-id> <state>",
		Short: "Apply a lifecycle transition (in_progress, done, approved, rejected)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := resolveEngineActor(ctx, e)
				if err != nil {
					return err
				}
				c, err := findConnection(ctx, e.Repo, args[0])
				if err != nil {
					return err
				}
				updated, msg, err := e.Transition(ctx, engine.TransitionOptions{
					ConnectionID: c.ID,
					Target:       args[1],
					Detail:       detail,
					Actor:        actor,
				})
				if err != nil {
					return err
				}
				e.Notify.Wait()
				fmt.Println(msg)
				return printJSONOrTable(updated)
			})
		},
	}
	cmd.Flags().StringVar(&detail, "detail", "", "detail text (required when rejecting)")
	return cmd
}

func connectionAssignCmd() *cobra.Command {
	var username string
	cmd := &cobra.Command{
		Use:   "assign <code-or-id>",
		Short: "Assign or reassign the executor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if username == "" {
				return fmt.Errorf("--user required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := resolveEngineActor(ctx, e)
				if err != nil {
					return err
				}
				c, err := findConnection(ctx, e.Repo, args[0])
				if err != nil {
					return err
				}
				u, err := e.Repo.GetUserByUsername(ctx, username)
				if err != nil {
					return err
				}
				updated, err := e.AssignExecutor(ctx, engine.AssignOptions{
					ConnectionID: c.ID,
					UserID:       u.ID,
					Actor:        actor,
				})
				if err != nil {
					return err
				}
				e.Notify.Wait()
				return printJSONOrTable(updated)
			})
		},
	}
	cmd.Flags().StringVar(&username, "user", "", "executor username")
	return cmd
}

func connectionCommentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "comment <code-or-id> <text>",
		Short: "Add a comment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := resolveEngineActor(ctx, e)
				if err != nil {
					return err
				}
				c, err := findConnection(ctx, e.Repo, args[0])
				if err != nil {
					return err
				}
				comment, err := e.AddComment(ctx, c.ID, actor, args[1])
				if err != nil {
					return err
				}
				e.Notify.Wait()
				return printJSONOrTable(comment)
			})
		},
	}
	return cmd
}

func dashboardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Show the acting user's dashboard summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				identity, err := auth.Service{DB: e.DB}.Resolve(ctx, viper.GetString("as"))
				if err != nil {
					return err
				}
				ttl := time.Duration(e.Config.CacheTTLSecondsOrDefault()) * time.Second
				agg := dashboard.New(e.DB, dashboard.NewCache(ttl, nil))
				summary, err := agg.Summary(ctx, identity.UserID, identity.Roles)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(summary)
				}
				fmt.Printf("Dashboard for %s (roles: %s)\n", identity.Username, strings.Join(identity.Roles, ","))
				fmt.Printf("  created: %d (approved: %d)\n", summary.Personal.Created, summary.Personal.CreatedApproved)
				fmt.Printf("  assigned in progress: %d\n", summary.Personal.InProgressAssigned)
				fmt.Printf("  awaiting my approval: %d\n", summary.Personal.AwaitingMyApproval)
				fmt.Printf("  unread notifications: %d\n", summary.Personal.UnreadNotifications)
				if summary.Admin != nil {
					fmt.Printf("  active total: %d, created today: %d, avg approval days: %.1f, rejection rate: %.0f%%\n",
						summary.Admin.TotalActive, summary.Admin.CreatedToday, summary.Admin.AvgApprovalDays, summary.Admin.RejectionRate*100)
				}
				for _, p := range summary.Projects {
					fmt.Printf("  %s: %v\n", p.ProjectName, p.ByState)
				}
				return nil
			})
		},
	}
	return cmd
}

func auditCmd() *cobra.Command {
	adt := &cobra.Command{Use: "audit", Short: "Inspect the audit log"}
	adt.AddCommand(auditTailCmd())
	return adt
}

func auditTailCmd() *cobra.Command {
	var n int
	var action, userID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				var actions []string
				if action != "" {
					actions = []string{action}
				}
				items, err := r.ListAudit(ctx, repo.AuditFilters{Actions: actions, UserID: userID, Limit: n})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Action", "User", "Object", "Detail"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.TS, e.Action, deref(e.UserID), e.ObjectType + "/" + deref(e.ObjectID), deref(e.Detail)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	cmd.Flags().StringVar(&action, "action", "", "action filter")
	cmd.Flags().StringVar(&userID, "user-id", "", "user filter")
	return cmd
}

func notificationsCmd() *cobra.Command {
	ntf := &cobra.Command{Use: "notifications", Short: "Manage the acting user's notifications"}
	ntf.AddCommand(notificationsListCmd())
	ntf.AddCommand(notificationsReadCmd())
	return ntf
}

func notificationsListCmd() *cobra.Command {
	var unread bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				actor, err := resolveActor(ctx, r)
				if err != nil {
					return err
				}
				items, err := r.ListNotifications(ctx, repo.NotificationFilters{UserID: actor.ID, UnreadOnly: unread})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Read", "Message", "URL", "Created"})
				for _, n := range items {
					tw.AppendRow(table.Row{n.ID, n.Read, n.Message, n.URL, n.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&unread, "unread", false, "only unread")
	return cmd
}

func notificationsReadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "read",
		Short: "Mark all notifications read",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := resolveEngineActor(ctx, e)
				if err != nil {
					return err
				}
				n, err := e.MarkNotificationsRead(ctx, actor)
				if err != nil {
					return err
				}
				fmt.Printf("marked %d notifications read\n", n)
				return nil
			})
		},
	}
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(workspace)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	if cfg.Mail.Enabled {
		e.Notify.Mailer = notify.SMTPMailer{Host: cfg.Mail.Host, Port: cfg.Mail.Port, From: cfg.Mail.From}
	}
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(workspace)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func resolveActor(ctx context.Context, r repo.Repo) (engine.Actor, error) {
	identity, err := auth.Service{DB: r.DB}.Resolve(ctx, viper.GetString("as"))
	if err != nil {
		return engine.Actor{}, err
	}
	return engine.Actor{ID: identity.UserID, Roles: identity.Roles}, nil
}

func resolveEngineActor(ctx context.Context, e engine.Engine) (engine.Actor, error) {
	return resolveActor(ctx, e.Repo)
}

func findConnection(ctx context.Context, r repo.Repo, ref string) (domain.Connection, error) {
	c, err := r.GetConnectionByCode(ctx, ref)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Connection{}, err
	}
	return r.GetConnection(ctx, ref)
}

func validRole(role string) bool {
	for _, r := range domain.AllRoles {
		if r == role {
			return true
		}
	}
	return false
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
