// Package docs registers the gateway's OpenAPI document with swag so that
// gin-swagger can serve it. The layout follows what `swag init` emits; keep it
// in step with the handler annotations when routes change.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/attempts": {
            "get": {
                "description": "Returns every attempt (primary and fallback) recorded under the key, oldest first.\nSupports weak ETag via If-None-Match and may return 304.",
                "produces": ["application/json"],
                "tags": ["Attempts"],
                "summary": "Transport attempts recorded for an idempotency key",
                "parameters": [
                    {"type": "string", "description": "Idempotency key", "name": "key", "in": "query", "required": true},
                    {"type": "string", "description": "Return 304 if ETag matches", "name": "If-None-Match", "in": "header"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.AttemptsResponse"}, "headers": {"ETag": {"type": "string", "description": "Weak ETag for current result"}}},
                    "304": {"description": "Not Modified"},
                    "400": {"description": "Bad request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "501": {"description": "Ledger disabled", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/sessions": {
            "get": {
                "description": "Lists known sessions, newest first. Titles are derived from the first prompt when the backend has none.",
                "produces": ["application/json"],
                "tags": ["Sessions"],
                "summary": "List sessions",
                "parameters": [
                    {"type": "boolean", "description": "Refresh from the backend first", "name": "refresh", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.SessionsResponse"}},
                    "502": {"description": "Backend unavailable", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/sessions/{id}/attempts": {
            "get": {
                "description": "Returns the session's newest ledger rows, newest first.",
                "produces": ["application/json"],
                "tags": ["Attempts"],
                "summary": "Recent transport attempts of a session",
                "parameters": [
                    {"type": "string", "description": "Session ID", "name": "id", "in": "path", "required": true},
                    {"type": "integer", "default": 50, "description": "Maximum rows (1..200)", "name": "limit", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.SessionAttemptsResponse"}},
                    "404": {"description": "Invalid session", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "501": {"description": "Ledger disabled", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/sessions/{id}/switch": {
            "post": {
                "description": "Cancels every submission still in flight in other sessions, then returns this\nsession's log (loaded on first use) and its directory entry when known.",
                "produces": ["application/json"],
                "tags": ["Sessions"],
                "summary": "Make a session current",
                "parameters": [
                    {"type": "string", "description": "Session ID", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.HistoryResponse"}},
                    "404": {"description": "Invalid session", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "502": {"description": "Backend unavailable", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/sessions/{id}/attempt": {
            "delete": {
                "description": "Cancels the in-flight submission of the session, if any.",
                "produces": ["application/json"],
                "tags": ["Messages"],
                "summary": "Cancel the active attempt",
                "parameters": [
                    {"type": "string", "description": "Session ID", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.CancelResponse"}},
                    "204": {"description": "Nothing in flight"},
                    "404": {"description": "Unknown session", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/sessions/{id}/messages": {
            "get": {
                "description": "Returns the reconciled message log of the session, ascending by id, with the cursor for older pages.",
                "produces": ["application/json"],
                "tags": ["Messages"],
                "summary": "Session history",
                "parameters": [
                    {"type": "string", "description": "Session ID", "name": "id", "in": "path", "required": true},
                    {"type": "boolean", "description": "Reload the newest page", "name": "refresh", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.HistoryResponse"}},
                    "400": {"description": "Bad request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "502": {"description": "Backend unavailable", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            },
            "post": {
                "description": "Delivers one message using the primary transport and falls back to the async job transport when the primary fails early.\nWith Accept: text/event-stream deltas are relayed as \"delta\" events followed by one \"outcome\" event.",
                "consumes": ["application/json"],
                "produces": ["application/json", "text/event-stream"],
                "tags": ["Messages"],
                "summary": "Send a message",
                "parameters": [
                    {"type": "string", "description": "Session ID", "name": "id", "in": "path", "required": true},
                    {"type": "string", "description": "Idempotency key", "name": "Idempotency-Key", "in": "header"},
                    {"description": "Message", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.PostMessageRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.OutcomeResponse"}, "headers": {"Idempotency-Replayed": {"type": "string", "description": "true when served from the ledger"}}},
                    "400": {"description": "Bad request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "409": {"description": "Canceled or superseded", "schema": {"$ref": "#/definitions/handlers.OutcomeResponse"}},
                    "502": {"description": "Delivery failed", "schema": {"$ref": "#/definitions/handlers.OutcomeResponse"}},
                    "504": {"description": "Delivery timed out", "schema": {"$ref": "#/definitions/handlers.OutcomeResponse"}}
                }
            }
        },
        "/sessions/{id}/messages/older": {
            "post": {
                "description": "Fetches the page before the current cursor and merges it into the log.",
                "produces": ["application/json"],
                "tags": ["Messages"],
                "summary": "Load older messages",
                "parameters": [
                    {"type": "string", "description": "Session ID", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.HistoryResponse"}},
                    "404": {"description": "Unknown session", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "502": {"description": "Backend unavailable", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        }
    },
    "definitions": {
        "domain.Attempt": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "key": {"type": "string"},
                "session_id": {"type": "string"},
                "seq": {"type": "integer"},
                "mode": {"type": "string"},
                "outcome": {"type": "string"},
                "chunks": {"type": "integer"},
                "error": {"type": "string"},
                "message_id": {"type": "integer"},
                "started_at": {"type": "string"},
                "finished_at": {"type": "string"},
                "updated_at": {"type": "string"}
            }
        },
        "domain.Message": {
            "type": "object",
            "properties": {
                "id": {"type": "integer"},
                "session_id": {"type": "string"},
                "role": {"type": "string", "enum": ["user", "assistant", "system"]},
                "content": {"type": "string"},
                "created_at": {"type": "string"}
            }
        },
        "handlers.AttemptsResponse": {
            "type": "object",
            "properties": {
                "key": {"type": "string"},
                "attempts": {"type": "array", "items": {"$ref": "#/definitions/domain.Attempt"}}
            }
        },
        "handlers.CancelResponse": {
            "type": "object",
            "properties": {
                "canceled": {"type": "boolean"}
            }
        },
        "handlers.ErrorDetail": {
            "type": "object",
            "properties": {
                "kind": {"type": "string"},
                "mode": {"type": "string"},
                "status": {"type": "integer"},
                "message": {"type": "string"}
            }
        },
        "handlers.ErrorResponse": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "request_id": {"type": "string"}
            }
        },
        "handlers.HistoryResponse": {
            "type": "object",
            "properties": {
                "session_id": {"type": "string"},
                "messages": {"type": "array", "items": {"$ref": "#/definitions/domain.Message"}},
                "next_before_id": {"type": "integer"},
                "has_more": {"type": "boolean"},
                "added": {"type": "integer"},
                "session": {"$ref": "#/definitions/sessions.Session"}
            }
        },
        "handlers.OutcomeResponse": {
            "type": "object",
            "properties": {
                "status": {"type": "string", "enum": ["succeeded", "failed"]},
                "key": {"type": "string"},
                "session_id": {"type": "string"},
                "mode": {"type": "string"},
                "attempts": {"type": "integer"},
                "reply": {"type": "string"},
                "message": {"$ref": "#/definitions/domain.Message"},
                "error": {"$ref": "#/definitions/handlers.ErrorDetail"},
                "replayed": {"type": "boolean"}
            }
        },
        "handlers.PostMessageRequest": {
            "type": "object",
            "required": ["content"],
            "properties": {
                "content": {"type": "string"},
                "mode": {"type": "string", "description": "Primary transport. \"full\" is another name for sync; empty selects the relay default.", "enum": ["sync", "stream", "full"]}
            }
        },
        "handlers.SessionsResponse": {
            "type": "object",
            "properties": {
                "sessions": {"type": "array", "items": {"$ref": "#/definitions/sessions.Session"}}
            }
        },
        "handlers.SessionAttemptsResponse": {
            "type": "object",
            "properties": {
                "session_id": {"type": "string"},
                "attempts": {"type": "array", "items": {"$ref": "#/definitions/domain.Attempt"}}
            }
        },
        "sessions.Session": {
            "type": "object",
            "properties": {
                "session_id": {"type": "string"},
                "title": {"type": "string"},
                "provider": {"type": "string"},
                "model": {"type": "string"},
                "created_at": {"type": "string"},
                "updated_at": {"type": "string"},
                "title_derived": {"type": "boolean"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "go-chat-relay API",
	Description:      "Resilient message delivery relay in front of a chat backend.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
