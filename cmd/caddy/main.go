// Command caddy is a Caddy build that includes the moltgate handler.
package main

import (
	caddycmd "github.com/caddyserver/caddy/v2/cmd"

	_ "github.com/caddyserver/caddy/v2/modules/standard"
	_ "github.com/tarasglek/moltgate"
)

func main() {
	caddycmd.Main()
}
