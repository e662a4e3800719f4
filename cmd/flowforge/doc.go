// Command flowforge runs the FlowForge workflow engine server.
package main
