// Package docs registers the OpenAPI description served at /swagger/*.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/health": {
            "get": {
                "produces": ["application/json"],
                "tags": ["system"],
                "summary": "Liveness probe",
                "responses": {"200": {"description": "OK", "schema": {"type": "object", "additionalProperties": {"type": "string"}}}}
            }
        },
        "/api/datasource/status": {
            "get": {
                "produces": ["application/json"],
                "tags": ["datasource"],
                "summary": "Probe reachability and report the active datasource",
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/datasource.Status"}}}
            }
        },
        "/api/datasource/force": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["datasource"],
                "summary": "Pin the datasource until reset",
                "parameters": [{"description": "source to pin", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/server.ForceRequest"}}],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object", "additionalProperties": {"type": "string"}}},
                    "400": {"description": "Bad Request", "schema": {"type": "object"}}
                }
            }
        },
        "/api/datasource/reset": {
            "post": {
                "produces": ["application/json"],
                "tags": ["datasource"],
                "summary": "Drop the cached or forced decision",
                "responses": {"200": {"description": "OK", "schema": {"type": "object", "additionalProperties": {"type": "string"}}}}
            }
        },
        "/api/data/{resource}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["data"],
                "summary": "Read from the active datasource",
                "parameters": [
                    {"type": "string", "description": "resource type", "name": "resource", "in": "path", "required": true},
                    {"type": "string", "description": "record id", "name": "id", "in": "query"},
                    {"type": "integer", "description": "max records", "name": "limit", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object"}},
                    "400": {"description": "Bad Request", "schema": {"type": "object"}},
                    "404": {"description": "Not Found", "schema": {"type": "object"}}
                }
            },
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["data"],
                "summary": "Write to the active datasource",
                "parameters": [{"type": "string", "description": "resource type", "name": "resource", "in": "path", "required": true}],
                "responses": {
                    "201": {"description": "Created", "schema": {"type": "object"}},
                    "400": {"description": "Bad Request", "schema": {"type": "object"}}
                }
            }
        }
    },
    "definitions": {
        "datasource.ServiceStatus": {
            "type": "object",
            "properties": {
                "reachable": {"type": "boolean"},
                "response_time_ms": {"type": "integer"},
                "error": {"type": "string"}
            }
        },
        "datasource.Status": {
            "type": "object",
            "properties": {
                "active_datasource": {"type": "string", "enum": ["primary", "mirror"]},
                "internet_connected": {"type": "boolean"},
                "services": {"type": "object", "additionalProperties": {"$ref": "#/definitions/datasource.ServiceStatus"}},
                "response_time_ms": {"type": "integer"},
                "forced": {"type": "boolean"},
                "decided_at": {"type": "string"},
                "expires_at": {"type": "string"}
            }
        },
        "server.ForceRequest": {
            "type": "object",
            "properties": {"source": {"type": "string", "example": "mirror"}}
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "roadsync API",
	Description:      "Datasource arbitration and routed data access for road infrastructure monitoring.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
