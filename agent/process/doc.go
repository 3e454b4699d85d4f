/*
Package process spawns the external commands that sit behind a tunnel channel and binds their stdio to it.

A Binding owns one child process: its stdin is a pipe the dispatcher writes peer bytes into,
its stdout is a pipe whose read end is registered with the reactor for readability, and its stderr is inherited from the service.

The stdout descriptor is never stored on its own. FD() derives it from the pipe each time, so it cannot outlive the process it names.

Exit detection never blocks: a goroutine waits on the process and closes a channel, and PollExit only peeks at that channel.
Reads never block either: Drain issues a single non-blocking read, so a readiness notification for a pipe that has nothing left just returns zero bytes.
*/
package process
