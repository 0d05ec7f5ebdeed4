// Package updater applies a binary delta to an installed macOS application.
//
// An update is three external invocations run strictly in order:
//   - terminate the running application (killall <name>)
//   - patch the bundle in place (<hpatchz> -C-all <bundle> <delta> <bundle> -f)
//   - relaunch it (open -a <name>.app)
//
// The package owns no patch format and no process management of its own.
// Every step goes through a process.Runner and produces a StepResult, and
// the captured stdout of each step is relayed to the configured writer.
//
// Example usage:
//
//	o := updater.New(process.ExecRunner{}, updater.WithOutput(os.Stdout))
//	report, err := o.Run(ctx, updater.Request{
//	    AppName:     "Foo",
//	    DeltaPath:   "/tmp/foo.delta",
//	    PatcherPath: "/usr/local/bin/hpatchz",
//	})
//	if err != nil {
//	    // a step could not be started, nothing after it ran
//	}
package updater
