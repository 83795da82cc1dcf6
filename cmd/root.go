/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "bookingbot",
	Short: "Conversational booking orchestrator",
	Long:  "Bookingbot turns inbound lead messages into calendar bookings. It ingests provider webhooks, runs the conversation engine and delivers replies.",
}

// Execute adds all child commands to the root command and runs it.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
