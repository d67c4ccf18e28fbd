// WardenDNS is a filtering and forwarding DNS resolver with authoritative
// zones, encrypted transports, and a persistent query log.
package main

import "github.com/WardenTeam/WardenDNS/internal/cmd"

func main() {
	cmd.Main()
}
