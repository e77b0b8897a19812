// Package session builds the exact message list handed to the model for
// one user turn.
//
// An [Engine] is constructed per turn with [Open] and discarded afterwards;
// no engine state is shared across turns. Within a turn the operations run
// in a fixed order:
//
//	engine, _ := session.Open(ctx, cfg, deps, userID)
//	engine.SummarizeIfNeeded(ctx) // collapse transcript when over budget
//	engine.Enrich(ctx, input)     // inject relevant history snippets
//	engine.Record(ctx, session.RoleUser, input)
//	// hand engine.Transcript() to the completion call
//	engine.Record(ctx, session.RoleAssistant, reply)
//
// Enrichment runs before the user message is recorded so the relevance
// search never matches the input currently being added.
//
// # Failure semantics
//
// Collaborator failures degrade instead of aborting the turn: a failed
// summarization leaves the transcript as it was, a failed embedding skips
// enrichment, and a failed persistence write keeps the message in the
// in-memory transcript so the reply path stays alive. The only hard error
// is recording a role outside the closed set, which would corrupt
// transcript semantics.
package session
