// Command steadctl administers a stead deployment: schema migrations,
// organization provisioning and development tokens.
package main

import "os"

func main() {
	os.Exit(Execute())
}
