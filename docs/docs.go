// Package docs registers the OpenAPI specification served by the Swagger UI
// route. Regenerate with `swag init` after changing handler annotations.
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
    "securityDefinitions": {
        "BearerAuth": {
            "type": "apiKey",
            "name": "Authorization",
            "in": "header"
        }
    },
    "paths": {
        "/threads": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["Threads"],
                "summary": "List diagnostic threads",
                "operationId": "listThreads",
                "parameters": [
                    {"type": "string", "name": "status", "in": "query"},
                    {"type": "string", "name": "license_plate", "in": "query"},
                    {"type": "boolean", "name": "mine", "in": "query"},
                    {"type": "integer", "default": 1, "name": "page", "in": "query"},
                    {"type": "integer", "default": 20, "name": "page_size", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK"},
                    "403": {"description": "Not a member"}
                }
            },
            "post": {
                "security": [{"BearerAuth": []}],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Threads"],
                "summary": "Open a diagnostic thread",
                "operationId": "createThread",
                "responses": {
                    "201": {"description": "Created"},
                    "400": {"description": "Bad request"},
                    "403": {"description": "Forbidden"}
                }
            }
        },
        "/threads/{id}": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["Threads"],
                "summary": "Fetch one thread",
                "operationId": "getThread",
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK"},
                    "404": {"description": "Not found"}
                }
            },
            "patch": {
                "security": [{"BearerAuth": []}],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Threads"],
                "summary": "Update thread metadata (version-guarded)",
                "operationId": "updateThread",
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK"},
                    "409": {"description": "Version conflict"}
                }
            },
            "delete": {
                "security": [{"BearerAuth": []}],
                "tags": ["Threads"],
                "summary": "Soft-delete a thread",
                "operationId": "deleteThread",
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "204": {"description": "Deleted"},
                    "403": {"description": "Forbidden"}
                }
            }
        },
        "/threads/{id}/resolve": {
            "post": {
                "security": [{"BearerAuth": []}],
                "tags": ["Threads"],
                "summary": "Mark a thread completed",
                "operationId": "resolveThread",
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK"},
                    "409": {"description": "Invalid transition or version conflict"}
                }
            }
        },
        "/threads/{id}/archive": {
            "post": {
                "security": [{"BearerAuth": []}],
                "tags": ["Threads"],
                "summary": "Archive a thread",
                "operationId": "archiveThread",
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK"},
                    "409": {"description": "Invalid transition or version conflict"}
                }
            }
        },
        "/threads/{id}/messages": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["Messages"],
                "summary": "List messages in a thread",
                "operationId": "listMessages",
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK"},
                    "404": {"description": "Thread not found"}
                }
            },
            "post": {
                "security": [{"BearerAuth": []}],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Messages"],
                "summary": "Send a message and get the assistant's reply",
                "operationId": "postMessage",
                "parameters": [
                    {"type": "string", "name": "id", "in": "path", "required": true},
                    {"type": "string", "name": "Idempotency-Key", "in": "header"}
                ],
                "responses": {
                    "200": {"description": "OK"},
                    "409": {"description": "Thread not active"},
                    "429": {"description": "Quota exceeded"},
                    "502": {"description": "Assistant unavailable"}
                }
            }
        },
        "/threads/{id}/messages/{messageID}": {
            "patch": {
                "security": [{"BearerAuth": []}],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Messages"],
                "summary": "Edit one of your own messages",
                "operationId": "editMessage",
                "parameters": [
                    {"type": "string", "name": "id", "in": "path", "required": true},
                    {"type": "string", "name": "messageID", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK"},
                    "403": {"description": "Not your message"},
                    "404": {"description": "Not found"}
                }
            }
        },
        "/tokens": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["Tokens"],
                "summary": "Workshop token pool status",
                "operationId": "getQuota",
                "responses": {
                    "200": {"description": "OK"},
                    "403": {"description": "Not a member"}
                }
            }
        },
        "/tokens/usage": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["Tokens"],
                "summary": "Your own token usage",
                "operationId": "getUsage",
                "responses": {
                    "200": {"description": "OK"}
                }
            }
        },
        "/tokens/notifications": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["Tokens"],
                "summary": "Current low-balance alerts",
                "operationId": "getNotifications",
                "responses": {
                    "200": {"description": "OK"},
                    "403": {"description": "Not a member"}
                }
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "Workshop Assistant API",
	Description:      "Token-accounted AI diagnostics chat for automotive workshops.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
