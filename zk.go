// Package zk is an asynchronous client for the ZooKeeper coordination
// service. It speaks the native wire protocol to a small ensemble,
// maintains a long-lived session with automatic recovery, routes
// server-pushed watch notifications to registered callbacks and backs the
// coordination recipes in the recipes subpackage.
//
// A client is built with New and connected with Start:
//
//	c, err := zk.New("zk1:2181,zk2:2181,zk3:2181")
//	if err != nil { ... }
//	if err := c.Start(ctx); err != nil { ... }
//	defer c.Close(ctx)
//
// Operations are safe for concurrent use. Connection loss is handled
// internally: operations suspend, the session repairs itself against
// another ensemble member with zxid-consistent resume, registered watches
// are re-armed server-side, and then operations proceed. A session the
// server has expired is unrecoverable; operations fail with a
// session-lost error and ephemerals are gone.
package zk
