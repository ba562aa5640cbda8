package main

// setupCommands attaches every subcommand to the root command.
func setupCommands() {
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(addEntityCmd)
	rootCmd.AddCommand(linkCmd)
}
