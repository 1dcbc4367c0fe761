// Package tui provides the terminal dashboard shown while conductor runs.
//
// The dashboard is read-only: it displays the planned subtask and wave
// counts, the wave currently executing, completed and failed results and a
// short activity log. Users can only quit with 'q' or Ctrl+C.
//
// Usage:
//
//	program, app := tui.NewRunProgram()
//	go program.Run()
//
//	// Forward executor callbacks
//	opts.Observer = tui.NewObserver(program)
//
//	// Signal completion
//	program.Send(tui.DoneMsg{Err: nil})
package tui
