package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "Course Enrollment API",
        "description": "Course admission and waitlist engine. Mutations are queued per course and polled by job id.",
        "version": "1.0.0"
    },
    "basePath": "/api/v1",
    "schemes": [
        "http",
        "https"
    ],
    "securityDefinitions": {
        "BearerAuth": {"type": "apiKey", "name": "Authorization", "in": "header"}
    },
    "tags": [
        {"name": "Enrollments", "description": "Enroll, drop, poll jobs and read waitlists"},
        {"name": "Courses", "description": "Course snapshot and capacity administration"},
        {"name": "Health", "description": "Liveness, readiness and metrics"}
    ],
    "paths": {
        "/health": {
            "get": {
                "tags": ["Health"],
                "summary": "Liveness probe",
                "responses": {
                    "200": {"description": "OK"}
                }
            }
        },
        "/ready": {
            "get": {
                "tags": ["Health"],
                "summary": "Readiness probe",
                "description": "Pings the enrollment store, job store and lock backend.",
                "responses": {
                    "200": {"description": "Ready"},
                    "503": {"description": "A dependency is unavailable"}
                }
            }
        },
        "/enrollments": {
            "post": {
                "tags": ["Enrollments"],
                "summary": "Request a seat in a course",
                "description": "Queues the request on the course lane and returns a job handle immediately.",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/EnrollRequest"}}
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/JobAcceptedEnvelope"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "503": {"description": "Queue unavailable", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/enrollments/my-courses": {
            "get": {
                "tags": ["Enrollments"],
                "summary": "List the caller's enrollments",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "status", "in": "query", "type": "string", "enum": ["CONFIRMED", "WAITLISTED", "WITHDRAWN"]},
                    {"name": "termId", "in": "query", "type": "string"},
                    {"name": "page", "in": "query", "type": "integer"},
                    {"name": "limit", "in": "query", "type": "integer"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/enrollments/status/{jobId}": {
            "get": {
                "tags": ["Enrollments"],
                "summary": "Poll an enrollment job",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "jobId", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/JobStatusEnvelope"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "delete": {
                "tags": ["Enrollments"],
                "summary": "Cancel a queued enrollment job",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "jobId", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/JobStatusEnvelope"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Already running", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/enrollments/{enrollmentId}": {
            "delete": {
                "tags": ["Enrollments"],
                "summary": "Withdraw an enrollment",
                "description": "Runs through the course lane. Answers 202 with the job when it has not finished in time.",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "enrollmentId", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/JobStatusEnvelope"}},
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/JobStatusEnvelope"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/enrollments/waitlist/{courseId}": {
            "get": {
                "tags": ["Enrollments"],
                "summary": "Course waitlist snapshot",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "courseId", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/enrollments/waitlist/{courseId}/export": {
            "get": {
                "tags": ["Enrollments"],
                "summary": "Download the course waitlist roster",
                "security": [{"BearerAuth": []}],
                "produces": ["text/csv", "application/pdf"],
                "parameters": [
                    {"name": "courseId", "in": "path", "required": true, "type": "string"},
                    {"name": "format", "in": "query", "type": "string", "enum": ["csv", "pdf"], "default": "csv"}
                ],
                "responses": {
                    "200": {"description": "Roster file", "schema": {"type": "file"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "403": {"description": "Forbidden", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/courses/{courseId}": {
            "get": {
                "tags": ["Courses"],
                "summary": "Course snapshot",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "courseId", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/courses/{courseId}/capacity": {
            "put": {
                "tags": ["Courses"],
                "summary": "Change course capacity",
                "description": "Queued on the course lane. Raising capacity promotes waitlisted requesters in order.",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "courseId", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/CapacityRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/JobStatusEnvelope"}},
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/JobStatusEnvelope"}},
                    "403": {"description": "Forbidden", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "422": {"description": "Below confirmed count", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        }
    },
    "definitions": {
        "EnrollRequest": {
            "type": "object",
            "required": ["course_id"],
            "properties": {
                "course_id": {"type": "string"}
            }
        },
        "CapacityRequest": {
            "type": "object",
            "required": ["capacity"],
            "properties": {
                "capacity": {"type": "integer", "minimum": 1}
            }
        },
        "JobAccepted": {
            "type": "object",
            "properties": {
                "job_id": {"type": "string"},
                "state": {"type": "string", "enum": ["QUEUED", "PROCESSING", "SUCCEEDED", "FAILED"]},
                "queue_position": {"type": "integer"},
                "status_url": {"type": "string"}
            }
        },
        "JobError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "reason": {"type": "string"},
                "retryable": {"type": "boolean"}
            }
        },
        "Enrollment": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "requester_id": {"type": "string"},
                "course_id": {"type": "string"},
                "term_id": {"type": "string"},
                "status": {"type": "string", "enum": ["PENDING", "CONFIRMED", "WAITLISTED", "WITHDRAWN"]},
                "submitted_at": {"type": "string", "format": "date-time"},
                "sequence": {"type": "integer"},
                "waitlist_position": {"type": "integer"},
                "withdrawn_at": {"type": "string", "format": "date-time"}
            }
        },
        "JobStatus": {
            "type": "object",
            "properties": {
                "job_id": {"type": "string"},
                "action": {"type": "string", "enum": ["ENROLL", "DROP", "CAPACITY", "PROMOTE"]},
                "course_id": {"type": "string"},
                "state": {"type": "string"},
                "queue_position": {"type": "integer"},
                "attempts": {"type": "integer"},
                "submitted_at": {"type": "string", "format": "date-time"},
                "started_at": {"type": "string", "format": "date-time"},
                "finished_at": {"type": "string", "format": "date-time"},
                "result": {"$ref": "#/definitions/Enrollment"},
                "promoted": {"type": "array", "items": {"$ref": "#/definitions/Enrollment"}},
                "error": {"$ref": "#/definitions/JobError"}
            }
        },
        "JobAcceptedEnvelope": {
            "type": "object",
            "properties": {
                "data": {"$ref": "#/definitions/JobAccepted"}
            }
        },
        "JobStatusEnvelope": {
            "type": "object",
            "properties": {
                "data": {"$ref": "#/definitions/JobStatus"},
                "error": {"$ref": "#/definitions/APIError"}
            }
        },
        "Pagination": {
            "type": "object",
            "properties": {
                "page": {"type": "integer"},
                "page_size": {"type": "integer"},
                "total_count": {"type": "integer"}
            }
        },
        "APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "status": {"type": "integer"}
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "data": {"type": "object"},
                "error": {"$ref": "#/definitions/APIError"},
                "pagination": {"$ref": "#/definitions/Pagination"},
                "meta": {"type": "object"}
            }
        }
    }
}`

type swaggerDoc struct{}

// ReadDoc returns the Swagger document.
func (s *swaggerDoc) ReadDoc() string {
	return docTemplate
}

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}
