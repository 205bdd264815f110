package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"folio/api/internal/app"
	"folio/api/internal/rbac"
)

var (
	deleteVersion       int
	deleteRedirect      string
	deleteUpdateSitemap bool
	deleteActor         string
)

var deletePageCmd = &cobra.Command{
	Use:   "delete-page <page-id>",
	Short: "Delete a page as an administrator",
	Long: `Delete a page the same way the API does, acting as an administrator.

Example:
  folio delete-page 3f0c... --redirect /new-home/ --update-sitemap`,
	Args: cobra.ExactArgs(1),
	RunE: runDeletePage,
}

func init() {
	deletePageCmd.Flags().IntVar(&deleteVersion, "version", 0, "expected page version (0 skips the check)")
	deletePageCmd.Flags().StringVar(&deleteRedirect, "redirect", "", "leave a redirect from the page URL to this URL")
	deletePageCmd.Flags().BoolVar(&deleteUpdateSitemap, "update-sitemap", false, "remove sitemap nodes instead of unlinking them")
	deletePageCmd.Flags().StringVar(&deleteActor, "actor", "folio-cli", "name recorded as the actor")
}

func runDeletePage(cmd *cobra.Command, args []string) error {
	pageID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid page id %q: %w", args[0], err)
	}

	db, err := openDatabase(cmd.Context())
	if err != nil {
		return err
	}
	defer db.Close()

	rt, err := buildRuntime(cmd.Context(), db)
	if err != nil {
		return err
	}
	defer rt.close()

	result, err := rt.service.DeletePage(cmd.Context(), app.DeletePageInput{
		PageID:        pageID,
		Version:       deleteVersion,
		RedirectURL:   deleteRedirect,
		UpdateSitemap: deleteUpdateSitemap,
	}, rbac.Principal{UserID: deleteActor, Name: deleteActor, Roles: []rbac.Role{rbac.RoleAdmin}})
	if err != nil {
		return fmt.Errorf("delete page: %w", err)
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}
