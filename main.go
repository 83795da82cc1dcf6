/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package main

import (
	_ "time/tzdata"

	"bookingbot/cmd"
)

func main() {
	cmd.Execute()
}
