package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"slotattend/internal/attendance"
	"slotattend/internal/auth"
	"slotattend/internal/config"
	"slotattend/internal/log"
	"slotattend/internal/store"
)

var flagEmail = &cli.StringFlag{
	Name:     "email",
	Usage:    "Account email",
	Required: true,
}

var flagName = &cli.StringFlag{
	Name:  "name",
	Usage: "Display name, defaults to the email local part",
}

var flagRole = &cli.StringFlag{
	Name:  "role",
	Usage: "One of student, teacher, admin",
}

var flagQuery = &cli.StringFlag{
	Name:  "q",
	Usage: "Email substring filter",
}

// operator is the identity rollctl acts as for admin-only operations.
var operator = attendance.User{Email: "rollctl@localhost", Name: "rollctl", Role: attendance.RoleAdmin}

var validate = validator.New()

type env struct {
	cfg    config.App
	db     *store.DB
	repo   *attendance.Repository
	svc    *attendance.Service
	logger zerolog.Logger
}

// withEnv loads config, connects and migrates, then runs fn.
func withEnv(fn func(ctx context.Context, e *env, cCtx *cli.Context) error) cli.ActionFunc {
	return func(cCtx *cli.Context) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger := log.New(cfg.Env).Level(zerolog.WarnLevel)
		ctx := cCtx.Context

		db, err := store.NewDB(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := store.Migrate(ctx, db); err != nil {
			return err
		}
		repo := attendance.NewRepository(db.Client, db.Driver)
		svc := attendance.NewService(repo, logger, attendance.Options{
			Users: attendance.UsersConfig{Admins: cfg.Admins, AllowedDomain: cfg.AllowedDomain},
		})
		return fn(ctx, &env{cfg: cfg, db: db, repo: repo, svc: svc, logger: logger}, cCtx)
	}
}

func (e *env) userByEmail(ctx context.Context, email string) (attendance.User, error) {
	if err := validate.Var(email, "required,email"); err != nil {
		return attendance.User{}, fmt.Errorf("invalid email %q", email)
	}
	return e.repo.GetUserByEmail(ctx, attendance.NormalizeEmail(email))
}

// setRole applies role to the account. Admin grants bypass the service, which only moves
// accounts between student and teacher.
func (e *env) setRole(ctx context.Context, u attendance.User, role attendance.Role) (attendance.User, error) {
	if !role.Valid() {
		return attendance.User{}, fmt.Errorf("unknown role %q", role)
	}
	if role == attendance.RoleAdmin || u.Role == attendance.RoleAdmin {
		if err := e.repo.SetUserRole(ctx, u.ID, role); err != nil {
			return attendance.User{}, err
		}
		return e.repo.GetUser(ctx, u.ID)
	}
	return e.svc.Users.SetRole(ctx, operator, u.ID, role)
}

func printUser(u attendance.User) {
	banned := ""
	if u.IsBanned {
		banned = " (banned)"
	}
	fmt.Printf("%d\t%s\t%s\t%s%s\n", u.ID, u.Email, u.Name, u.Role, banned)
}

func userCommands() []*cli.Command {
	return []*cli.Command{
		{
			Name:  "create",
			Usage: "Create an account, or return the existing one",
			Flags: []cli.Flag{flagEmail, flagName, flagRole},
			Action: withEnv(func(ctx context.Context, e *env, cCtx *cli.Context) error {
				u, err := e.svc.Users.Provision(ctx, cCtx.String(flagEmail.Name), cCtx.String(flagName.Name))
				if err != nil {
					return err
				}
				if role := attendance.Role(cCtx.String(flagRole.Name)); cCtx.IsSet(flagRole.Name) && role != u.Role {
					if u, err = e.setRole(ctx, u, role); err != nil {
						return err
					}
				}
				printUser(u)
				return nil
			}),
		},
		{
			Name:  "role",
			Usage: "Change the role of an account",
			Flags: []cli.Flag{flagEmail, &cli.StringFlag{Name: flagRole.Name, Required: true, Usage: flagRole.Usage}},
			Action: withEnv(func(ctx context.Context, e *env, cCtx *cli.Context) error {
				u, err := e.userByEmail(ctx, cCtx.String(flagEmail.Name))
				if err != nil {
					return err
				}
				if u, err = e.setRole(ctx, u, attendance.Role(cCtx.String(flagRole.Name))); err != nil {
					return err
				}
				printUser(u)
				return nil
			}),
		},
		banCommand("ban", true),
		banCommand("unban", false),
		{
			Name:  "reset-fingerprint",
			Usage: "Unbind the device of an account",
			Flags: []cli.Flag{flagEmail},
			Action: withEnv(func(ctx context.Context, e *env, cCtx *cli.Context) error {
				u, err := e.userByEmail(ctx, cCtx.String(flagEmail.Name))
				if err != nil {
					return err
				}
				if err := e.svc.Users.ResetFingerprint(ctx, operator, u.ID); err != nil {
					return err
				}
				fmt.Printf("device binding cleared for %s\n", u.Email)
				return nil
			}),
		},
		{
			Name:  "list",
			Usage: "List accounts, newest first",
			Flags: []cli.Flag{flagQuery},
			Action: withEnv(func(ctx context.Context, e *env, cCtx *cli.Context) error {
				users, err := e.svc.Users.Search(ctx, operator, cCtx.String(flagQuery.Name))
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tEMAIL\tNAME\tROLE\tBANNED")
				for _, u := range users {
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%t\n", u.ID, u.Email, u.Name, u.Role, u.IsBanned)
				}
				return w.Flush()
			}),
		},
	}
}

func banCommand(name string, banned bool) *cli.Command {
	return &cli.Command{
		Name:  name,
		Usage: "Set the banned flag of an account",
		Flags: []cli.Flag{flagEmail},
		Action: withEnv(func(ctx context.Context, e *env, cCtx *cli.Context) error {
			u, err := e.userByEmail(ctx, cCtx.String(flagEmail.Name))
			if err != nil {
				return err
			}
			if u, err = e.svc.Users.SetBanned(ctx, operator, u.ID, banned); err != nil {
				return err
			}
			printUser(u)
			return nil
		}),
	}
}

func main() {
	app := &cli.App{
		Name:  "rollctl",
		Usage: "administer the slotattend database",
		Commands: []*cli.Command{
			{
				Name:  "migrate",
				Usage: "Create or update the schema",
				Action: withEnv(func(_ context.Context, e *env, _ *cli.Context) error {
					fmt.Printf("schema up to date (%s)\n", e.db.Driver)
					return nil
				}),
			},
			{
				Name:        "user",
				Usage:       "Manage accounts",
				Subcommands: userCommands(),
			},
			{
				Name:  "token",
				Usage: "Session tokens",
				Subcommands: []*cli.Command{
					{
						Name:  "issue",
						Usage: "Issue an access/refresh pair for an account",
						Flags: []cli.Flag{flagEmail},
						Action: withEnv(func(ctx context.Context, e *env, cCtx *cli.Context) error {
							u, err := e.userByEmail(ctx, cCtx.String(flagEmail.Name))
							if err != nil {
								return err
							}
							if u.IsBanned {
								return fmt.Errorf("%s is banned", u.Email)
							}
							pair, err := auth.Issue(u.ID, string(u.Role), auth.Keys{
								Issuer:     e.cfg.JWTIssuer,
								SigningKey: e.cfg.JWTSigningKey,
								AccessTTL:  e.cfg.AccessTTL,
								RefreshTTL: e.cfg.RefreshTTL,
							})
							if err != nil {
								return err
							}
							enc := json.NewEncoder(os.Stdout)
							enc.SetIndent("", "  ")
							return enc.Encode(pair)
						}),
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "rollctl:", err)
		os.Exit(1)
	}
}
