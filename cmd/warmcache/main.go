// Command warmcache runs the offline cache worker as a local proxy and
// exercises the image preloader against a site.
package main

import (
	"fmt"
	"os"

	"github.com/meigma/warmcache/cmd/warmcache/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
