// Package client is a Go client for the xferd protocol.
//
// Uploads ask the server for its resume offset and send only the bytes it is
// missing. Downloads announce the size of the local file as the known byte
// count, so an interrupted download continues where the local copy ends.
//
//	c, err := client.Dial(ctx, "127.0.0.1:3000", client.Options{})
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	res, err := c.Upload(ctx, "backup.tar", "backup.tar")
package client
