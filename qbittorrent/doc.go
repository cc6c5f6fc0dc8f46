// Package qbittorrent implements torrent.Client for the qBittorrent WebUI API.
//
// Requests are made directly over HTTP so that older servers (the legacy
// command/upload endpoint, pause/resume instead of stop/start) keep working;
// responses are decoded into the autobrr/go-qbittorrent wire types.
//
// # Features
//
//   - Web API capability probing with semantic version comparison
//   - Session cookies shared per server and credentials
//   - One transparent re-login when a session expires
//   - Operator hints on common HTTP failures
//
// # Usage
//
//	client := qbittorrent.NewClient(url, username, password, logger)
//	res, err := client.Add(ctx, data, torrent.AddOptions{ExpectedTag: "mamid=42"})
package qbittorrent
