/*
Package cli provides command-line utilities shared by the gatehouse command.

Output Formatting:

Command results can be rendered as plain text or JSON:

	formatter := cli.NewFormatter(cli.FormatJSON)
	if err := formatter.FormatTo(os.Stdout, result); err != nil {
		return err
	}

Signal Handling:

For graceful shutdown on SIGINT/SIGTERM:

	sigChan := cli.WaitForShutdown()
	select {
	case sig := <-sigChan:
		// drain servers, then exit
	case err := <-errChan:
		// a background listener failed
	}
*/
package cli
