package main

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/careunity/careunity/backend/internal/cache"
)

func init() {
	cacheCmd.AddCommand(cachePoliciesCmd)
	rootCmd.AddCommand(cacheCmd)
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the caching proxy",
}

var cachePoliciesCmd = &cobra.Command{
	Use:   "policies",
	Short: "Print the routing table as YAML",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		router, err := cache.NewRouter(cache.DefaultPolicies()...)
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(map[string]interface{}{"policies": router.Describe()})
	},
}
