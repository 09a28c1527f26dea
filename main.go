// Command iced is ICE transport agent.
package main

import "github.com/gortc/iced/internal/cli"

func main() {
	cli.Execute()
}
