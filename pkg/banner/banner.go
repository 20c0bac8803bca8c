// Package banner prints the startup banner with the effective listen
// address, data path and config sources.
package banner

import "fmt"

const banner = `
 ██████╗██╗  ██╗ █████╗ ████████╗██████╗ ███████╗██╗      █████╗ ██╗   ██╗
██╔════╝██║  ██║██╔══██╗╚══██╔══╝██╔══██╗██╔════╝██║     ██╔══██╗╚██╗ ██╔╝
██║     ███████║███████║   ██║   ██████╔╝█████╗  ██║     ███████║ ╚████╔╝
██║     ██╔══██║██╔══██║   ██║   ██╔══██╗██╔══╝  ██║     ██╔══██║  ╚██╔╝
╚██████╗██║  ██║██║  ██║   ██║   ██║  ██║███████╗███████╗██║  ██║   ██║
 ╚═════╝╚═╝  ╚═╝╚═╝  ╚═╝   ╚═╝   ╚═╝  ╚═╝╚══════╝╚══════╝╚═╝  ╚═╝   ╚═╝
`

func Print(addr, dbPath, sources, version string) {
	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Listen:   %s\n", addr)
	fmt.Printf("Data:     %s\n", dbPath)
	if version != "" {
		fmt.Printf("Version:  %s\n", version)
	}
	if sources != "" {
		fmt.Printf("Config sources: %s\n", sources)
	}
	fmt.Println("\n== Endpoints ==================================================")
	fmt.Println("GET  /ws - WebSocket gateway (uid/sig query auth)")
	fmt.Println("GET  /v1/channels/{channelID}/messages?limit=<n> - Channel history")
	fmt.Println("POST /v1/uploads/presign - Mint a presigned upload URL")
	fmt.Println("POST /v1/channels/{channelID}/files - Ingest an attachment message")
	fmt.Println("PUT  /v1/backend/users/{id} - Upsert a user summary (backend key)")
	fmt.Println("\n== Examples ===================================================")
	fmt.Printf("curl 'http://localhost%s/v1/channels/u1-u2/messages?limit=50' -H 'X-User-ID: u1' -H 'X-User-Signature: <sig>'\n", addr)
	fmt.Printf("websocat 'ws://localhost%s/ws?uid=u1&sig=<sig>'\n", addr)
	fmt.Println("\n== Production? =================================================")
	fmt.Println("Set a proper data path (--db)")
	fmt.Println("Run the bus in redis mode when deploying more than one gateway")
}
