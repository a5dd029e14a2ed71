package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"media-pipeline/config"
	"media-pipeline/constant"
	"media-pipeline/entities"
	"media-pipeline/repository"
	"media-pipeline/service"
)

// apikey mints credentials directly against the store. Needed once per
// deployment to bootstrap the first key, since the key endpoints themselves
// require one.
func apikey(cfg *config.Config) *cobra.Command {
	apikeyCmd := &cobra.Command{
		Use:   "apikey",
		Short: "manage api keys",
	}

	var owner string
	var name string
	var scopes []string
	var rateLimit int

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "create an api key and print the plaintext once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ownerId, err := uuid.Parse(owner)
			if err != nil {
				return fmt.Errorf("invalid owner id: %w", err)
			}
			for _, s := range scopes {
				if !constant.Permission(s).Valid() {
					return fmt.Errorf("unknown scope: %s", s)
				}
			}

			plaintext, prefix, hash, err := service.GenerateKey()
			if err != nil {
				return err
			}

			scopesJSON, err := json.Marshal(scopes)
			if err != nil {
				return err
			}

			repo := repository.NewRepo(cfg.DB)
			key := &entities.ApiKey{
				ID:                 uuid.New(),
				OwnerID:            ownerId,
				Name:               name,
				KeyPrefix:          prefix,
				KeyHash:            hash,
				Scopes:             scopesJSON,
				RateLimitPerMinute: rateLimit,
				Active:             true,
			}
			if err := repo.CreateApiKey(context.Background(), key); err != nil {
				return err
			}

			fmt.Printf("id:  %s\nkey: %s\n", key.ID, plaintext)
			fmt.Println("store the key now; it cannot be recovered")
			return nil
		},
	}

	createCmd.Flags().StringVar(&owner, "owner", "", "owner id (uuid)")
	createCmd.Flags().StringVar(&name, "name", "default", "display name")
	createCmd.Flags().StringSliceVar(&scopes, "scopes", []string{"read", "write"}, "permission scopes")
	createCmd.Flags().IntVar(&rateLimit, "rate-limit", 60, "requests per minute")
	_ = createCmd.MarkFlagRequired("owner")

	apikeyCmd.AddCommand(createCmd)
	return apikeyCmd
}
