package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"folio/api/internal/authpw"
	"folio/api/internal/store"
)

var (
	operatorName     string
	operatorPassword string
	operatorRoles    string
)

var createOperatorCmd = &cobra.Command{
	Use:   "create-operator <username>",
	Short: "Create an account that can sign in to the API",
	Long: `Create an operator account. The password is read from --password or,
when empty, from the FOLIO_OPERATOR_PASSWORD environment variable.

Example:
  folio create-operator ana --roles editor,publisher`,
	Args: cobra.ExactArgs(1),
	RunE: runCreateOperator,
}

func init() {
	createOperatorCmd.Flags().StringVar(&operatorName, "name", "", "display name (defaults to the username)")
	createOperatorCmd.Flags().StringVar(&operatorPassword, "password", "", "initial password")
	createOperatorCmd.Flags().StringVar(&operatorRoles, "roles", "viewer", "comma separated roles")
	rootCmd.AddCommand(createOperatorCmd)
}

func runCreateOperator(cmd *cobra.Command, args []string) error {
	password := operatorPassword
	if password == "" {
		password = lookupEnv("FOLIO_OPERATOR_PASSWORD")
	}

	db, err := openDatabase(cmd.Context())
	if err != nil {
		return err
	}
	defer db.Close()

	accounts := authpw.NewService(store.NewPostgresStore(db), cfg.JWTSecret, cfg.TokenTTL)
	operator, err := accounts.CreateOperator(cmd.Context(), authpw.CreateOperatorRequest{
		Username:    args[0],
		DisplayName: operatorName,
		Password:    password,
		Roles:       strings.Split(operatorRoles, ","),
	})
	if err != nil {
		return fmt.Errorf("create operator: %w", err)
	}
	fmt.Printf("created operator %s (%s) with roles %s\n", operator.Username, operator.ID, strings.Join(operator.Roles, ","))
	return nil
}
