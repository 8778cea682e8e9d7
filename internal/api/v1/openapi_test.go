package apiv1

import (
	"context"
	"regexp"
	"strings"
	"testing"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const openAPIFile = "../../../public/docs/v1/openapi.yml"

var fiberParam = regexp.MustCompile(`:(\w+)`)

func TestOpenAPIDocumentsEveryRoute(t *testing.T) {
	doc, err := openapi3.NewLoader().LoadFromFile(openAPIFile)
	require.NoError(t, err)
	require.NoError(t, doc.Validate(context.Background()))

	app := fiber.New()
	RegisterHandlers(app.Group("/api/v1"), NewAPIServer())

	documented := 0
	for _, route := range app.GetRoutes(true) {
		if route.Method == fiber.MethodHead || !strings.HasPrefix(route.Path, "/api/v1/") {
			continue
		}
		path := fiberParam.ReplaceAllString(strings.TrimPrefix(route.Path, "/api/v1"), "{$1}")
		item := doc.Paths.Find(path)
		if !assert.NotNil(t, item, "%s %s is not documented", route.Method, path) {
			continue
		}
		assert.NotNil(t, item.GetOperation(route.Method), "%s %s is not documented", route.Method, path)
		documented++
	}
	assert.Equal(t, 12, documented)
}

func TestOpenAPIPublicOperations(t *testing.T) {
	doc, err := openapi3.NewLoader().LoadFromFile(openAPIFile)
	require.NoError(t, err)

	for _, path := range []string{"/ping", "/payments/webhook"} {
		item := doc.Paths.Find(path)
		require.NotNil(t, item, path)
		for _, op := range item.Operations() {
			require.NotNil(t, op.Security, path)
			assert.Empty(t, *op.Security, "%s must not require an API key", path)
		}
	}
}
