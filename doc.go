// Package rollback implements rollback networking for real-time
// multiplayer games.
//
// Peers exchange inputs over an unreliable transport and keep their
// simulations in lockstep by predicting missing remote input,
// detecting mispredictions when the real input arrives, and rolling
// the simulation back to resimulate with corrected input. The package
// owns frames, inputs, and the network protocol; the game owns the
// simulation and executes the save, load, and advance requests the
// session hands back.
//
// # Getting Started
//
// Create a session, declare the participants, and drive it from the
// game loop:
//
//	opts := rollback.NewOptions(2, 2)
//	opts.InputDelay = 2
//
//	socket, err := transport.NewUDPSocket("0.0.0.0:7000")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer socket.Close()
//
//	session, err := rollback.NewP2PSession(opts, socket)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	session.AddPlayer(rollback.LocalPlayer(), 0)
//	session.AddPlayer(rollback.RemotePlayer("192.0.2.1:7000"), 1)
//
//	for {
//	    for _, event := range session.PollRemoteClients() {
//	        // Handle synchronization progress, disconnects, wait
//	        // recommendations.
//	    }
//
//	    if session.CurrentState() != rollback.SessionRunning {
//	        continue
//	    }
//
//	    err := session.AddLocalInput(0, pollControllerBytes())
//	    if errors.Is(err, rollback.ErrPredictionThreshold) {
//	        continue // wait for remote input to catch up
//	    }
//
//	    requests, err := session.AdvanceFrame()
//	    if err != nil {
//	        continue
//	    }
//	    for _, req := range requests {
//	        switch req.Type {
//	        case engine.RequestSaveState:
//	            req.Cell.Save(req.Frame, game.Serialize(), 0)
//	        case engine.RequestLoadState:
//	            game.Deserialize(req.Cell.Load().Data)
//	        case engine.RequestAdvanceFrame:
//	            game.Step(req.Inputs)
//	        }
//	    }
//	}
//
// Requests must be executed in the order given; a rollback appears as
// a load followed by one advance and save per resimulated frame.
//
// # Session Kinds
//
// Three session kinds share the [Session] interface:
//
//   - [P2PSession]: full-mesh peer-to-peer play with one local player,
//     any number of remote players, and optional spectators
//   - [SpectatorSession]: follows a host's confirmed inputs without
//     contributing any, never predicts, never rolls back
//   - [SyncTestSession]: no network at all; resimulates every frame
//     and compares state checksums to flag nondeterminism
//
// # Determinism
//
// Rollback only works when the simulation is a pure function of its
// inputs: identical state plus identical inputs must produce an
// identical next state on every machine. Run a [SyncTestSession] in
// development to catch violations early; a running P2P session has no
// way to repair a divergence, it can only detect it.
//
// # Transports
//
// The transport package provides sockets over UDP, WebSocket, WebRTC
// data channels, and an in-memory pair for tests. Anything
// implementing [transport.NonBlockingSocket] works.
package rollback
