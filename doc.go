// Package ftps implements the protocol engine of an FTPS worker: an FTP
// client that upgrades the control channel with AUTH TLS and negotiates
// per-transfer protection for the data channel.
//
// # Overview
//
// The engine drives one control connection and at most one data connection
// and exposes the operations a file-management host asks a worker for:
//   - Stat, ListDir with a tolerant LIST parser
//   - Get and Put with resume offsets and .part upload marking
//   - MkDir, Rename, Delete, Chmod
//
// Session and transfer events (progress, content type, credential prompts,
// certificate warnings) flow through the Events interface; the worker
// dispatcher bridges them to the host process.
//
// # Data Connections
//
// Passive modes are preferred: PASV first, then EPSV, then active PORT/EPRT
// as a last resort. Capabilities a server turns out not to have are
// remembered for the rest of the session. Protection is negotiated with
// PBSZ 0 and PROT P; the TLS handshake on the data socket is deferred until
// the transfer command's preliminary reply, and falls back to a cleartext
// data channel when the server refuses PROT P.
//
// # Basic Usage
//
//	client, err := ftps.New(
//	    ftps.WithLogger(logger),
//	    ftps.WithEvents(sink),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	client.SetHost("ftp.example.com", 21, "user", "secret")
//	if err := client.OpenConnection(); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.CloseConnection()
//
//	err = client.Get("/pub/file.txt", "file.txt", nil, 0)
//
// # Error Handling
//
// Failures surface as *ftps.Error values carrying a stable code and the
// user-visible text, matching what the worker reports to its host:
//
//	var fe *ftps.Error
//	if errors.As(err, &fe) {
//	    fmt.Println(fe.Code, fe.Text)
//	}
package ftps
