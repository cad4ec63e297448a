package main

import (
	"net/url"

	"blitiri.com.ar/go/log"

	"github.com/transilvlad/robin/internal/localrpc"
	"github.com/transilvlad/robin/internal/trace"
)

// launchRPCServer starts the local RPC server chasquid-util's
// aliases-resolve subcommand talks to, listening on a unix socket under
// the data directory. A blank path (shouldn't happen in practice, since
// it's derived from conf.DataDir) disables it.
func (srv *server) launchRPCServer(socketPath string) {
	if socketPath == "" {
		return
	}
	rpc := localrpc.NewServer()
	rpc.Register("AliasResolve", srv.aliasResolveRPC)

	go func() {
		if err := rpc.ListenAndServe(socketPath); err != nil {
			log.Errorf("RPC server on %s exited: %v", socketPath, err)
		}
	}()
}

func (srv *server) aliasResolveRPC(tr *trace.Trace, req url.Values) (url.Values, error) {
	rcpts, err := srv.aliasesR.Resolve(req.Get("Address"))
	if err != nil {
		return nil, err
	}

	v := url.Values{}
	for _, rcpt := range rcpts {
		v.Add(string(rcpt.Type), rcpt.Addr)
	}
	return v, nil
}
