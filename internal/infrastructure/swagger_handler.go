package infrastructure

import (
	_ "embed"
	"net/http"
)

//go:embed openapi.yaml
var adminOpenAPI []byte

// SwaggerHandler serves the admin API description and a Swagger UI page
// that renders it.
type SwaggerHandler struct {
	docPath string
}

func NewSwaggerHandler() *SwaggerHandler {
	return &SwaggerHandler{docPath: "/api-docs.yaml"}
}

func (s *SwaggerHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/swagger":
		s.serveSwaggerUI(w)
	case s.docPath:
		s.serveDocument(w)
	default:
		http.NotFound(w, r)
	}
}

func (s *SwaggerHandler) serveSwaggerUI(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(`<!DOCTYPE html>
<html>
<head>
    <title>Federation Gateway Admin API</title>
    <link rel="stylesheet" type="text/css" href="https://unpkg.com/swagger-ui-dist@4.15.5/swagger-ui.css" />
</head>
<body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@4.15.5/swagger-ui-bundle.js"></script>
    <script>
        window.onload = function() {
            SwaggerUIBundle({ url: '` + s.docPath + `', dom_id: '#swagger-ui', deepLinking: true });
        };
    </script>
</body>
</html>`))
}

func (s *SwaggerHandler) serveDocument(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/yaml")
	w.Write(adminOpenAPI)
}
