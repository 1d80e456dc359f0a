// Package cmd provides the ldapbridge command line interface.
package cmd

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/memberbase/ldapbridge/internal/logger"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "ldapbridge",
	Short: "LDAP directory bridge over a relational identity store",
	Long: `ldapbridge serves a member organization's relational identity
records (members, events, committees) as an LDAP directory tree. Access is
derived from the relational store's role grants; nothing is granted that
the store itself would not grant.`,
	PersistentPreRunE: initializeConfig,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().String("log_level", "info", "Log level (trace, debug, info, warn, error)")
}

func initializeConfig(cmd *cobra.Command, args []string) error {
	viper.SetEnvPrefix("LDAPBRIDGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return err
		}
		logger.Info().Str("file", viper.ConfigFileUsed()).Msg("configuration loaded")
	}

	level, err := zerolog.ParseLevel(NewFlagLoader(cmd).String("log_level"))
	if err != nil {
		return err
	}
	logger.SetLevel(level)
	return nil
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
