// Package runtime abstracts the execution backends jobs run on.
//
// Each configured lab is one Runtime instance: shell and docker run
// rendered scripts locally, kubernetes submits pod manifests to a
// cluster, lava posts job definitions to a LAVA server, and pull
// leaves execution to labs that fetch work themselves. Synchronous
// backends answer Poll and Results; asynchronous ones return
// ErrAsyncOnly and deliver outcomes through the callback endpoint
// instead.
package runtime
