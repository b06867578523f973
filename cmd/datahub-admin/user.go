package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"unicode"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"datahub/roles"
	"datahub/users"
)

// legacyRoles maps the role names of the old account list.
var legacyRoles = map[string]roles.Role{
	"administrator": roles.Admin,
	"researcher":    roles.Researcher,
	"user":          roles.Viewer,
	"curator":       roles.Writer,
}

// parseRoles accepts application role names and legacy names.
func parseRoles(in []string) ([]string, error) {
	var set []roles.Role
	for _, raw := range in {
		for _, part := range strings.Split(raw, ",") {
			name := strings.ToLower(strings.TrimSpace(part))
			if name == "" {
				continue
			}
			if r, ok := legacyRoles[name]; ok {
				set = append(set, r)
				continue
			}
			r := roles.Normalize(name)
			if !known(r) {
				return nil, fmt.Errorf("unknown role %q", part)
			}
			set = append(set, r)
		}
	}
	return roles.NewRoleSet(set...).Strings(), nil
}

func known(r roles.Role) bool {
	for _, p := range roles.Precedence {
		if p == r {
			return true
		}
	}
	return false
}

// displayName capitalises the first letter of a username.
func displayName(username string) string {
	r, size := utf8.DecodeRuneInString(username)
	if r == utf8.RuneError {
		return username
	}
	return string(unicode.ToUpper(r)) + username[size:]
}

func readPassword(cmd *cobra.Command, flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("password is required")
	}
	return line, nil
}

func newUserCmd(c *cli) *cobra.Command {
	userCmd := &cobra.Command{
		Use:   "user",
		Short: "Manage basic-auth and federated accounts",
	}
	userCmd.AddCommand(
		newUserAddCmd(c),
		newUserListCmd(c),
		newUserSetPasswordCmd(c),
		newUserSetRolesCmd(c),
		newUserActiveCmd(c, "disable", false),
		newUserActiveCmd(c, "enable", true),
	)
	return userCmd
}

func newUserAddCmd(c *cli) *cobra.Command {
	var (
		email       string
		name        string
		institution string
		password    string
		roleNames   []string
	)
	cmd := &cobra.Command{
		Use:   "add <username>",
		Short: "Create a basic-auth account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			assigned, err := parseRoles(roleNames)
			if err != nil {
				return err
			}
			pw, err := readPassword(cmd, password)
			if err != nil {
				return err
			}
			if name == "" {
				name = displayName(args[0])
			}
			u, err := users.NewBasicUser(args[0], email, name, pw, assigned)
			if err != nil {
				return err
			}
			u.Institution = institution

			repo, release, err := c.repository(cmd.Context())
			if err != nil {
				return err
			}
			defer release()
			if err := repo.Create(cmd.Context(), u); err != nil {
				return fmt.Errorf("create %s: %w", u.Username, err)
			}
			c.logger.Info("user created", "username", u.Username, "email", u.Email, "roles", u.Roles)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Email address (required)")
	cmd.Flags().StringVar(&name, "name", "", "Display name (defaults to the capitalised username)")
	cmd.Flags().StringVar(&institution, "institution", "", "Home institution")
	cmd.Flags().StringVar(&password, "password", "", "Password (read from stdin when empty)")
	cmd.Flags().StringSliceVar(&roleNames, "role", nil, "Role: admin, writer, researcher, reader, viewer or Administrator, Researcher, User, Curator")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newUserListCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, release, err := c.repository(cmd.Context())
			if err != nil {
				return err
			}
			defer release()
			all, err := repo.List(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "USERNAME\tEMAIL\tPROVIDER\tROLES\tACTIVE\tLOGINS")
			for _, u := range all {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%d\n",
					u.Username, u.Email, u.Provider, strings.Join(u.Roles, ","), u.Active, u.LoginCount)
			}
			return tw.Flush()
		},
	}
}

func newUserSetPasswordCmd(c *cli) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "set-password <username>",
		Short: "Replace an account's password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := readPassword(cmd, password)
			if err != nil {
				return err
			}
			hash, err := users.HashPassword(pw)
			if err != nil {
				return err
			}
			repo, release, err := c.repository(cmd.Context())
			if err != nil {
				return err
			}
			defer release()
			if err := repo.SetPassword(cmd.Context(), args[0], hash); err != nil {
				return fmt.Errorf("set password for %s: %w", args[0], err)
			}
			c.logger.Info("password updated", "username", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "New password (read from stdin when empty)")
	return cmd
}

func newUserSetRolesCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "set-roles <username> <role>...",
		Short: "Replace an account's roles",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			assigned, err := parseRoles(args[1:])
			if err != nil {
				return err
			}
			repo, release, err := c.repository(cmd.Context())
			if err != nil {
				return err
			}
			defer release()
			if err := repo.SetRoles(cmd.Context(), args[0], assigned); err != nil {
				return fmt.Errorf("set roles for %s: %w", args[0], err)
			}
			c.logger.Info("roles updated", "username", args[0], "roles", assigned)
			return nil
		},
	}
}

func newUserActiveCmd(c *cli, use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <username>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, release, err := c.repository(cmd.Context())
			if err != nil {
				return err
			}
			defer release()
			if err := repo.SetActive(cmd.Context(), args[0], active); err != nil {
				return fmt.Errorf("%s %s: %w", use, args[0], err)
			}
			c.logger.Info("account updated", "username", args[0], "active", active)
			return nil
		},
	}
}

func newHashPasswordCmd() *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Print a bcrypt hash for a static dev user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := readPassword(cmd, password)
			if err != nil {
				return err
			}
			hash, err := users.HashPassword(pw)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "Password (read from stdin when empty)")
	return cmd
}
