package gql

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/language/ast"
	"github.com/graphql-go/graphql/language/parser"
	"github.com/graphql-go/graphql/language/source"

	"tasklist/pkg/httpx"
)

type request struct {
	Query         string                 `json:"query"`
	OperationName string                 `json:"operationName"`
	Variables     map[string]interface{} `json:"variables"`
}

// Handler serves GraphQL over POST (JSON body) and GET (query string).
// Execution errors are reported inside the GraphQL result with status 200;
// only malformed transport requests get an HTTP error status.
func Handler(schema graphql.Schema) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		switch r.Method {
		case http.MethodGet:
			q := r.URL.Query()
			req.Query = q.Get("query")
			req.OperationName = q.Get("operationName")
			if raw := strings.TrimSpace(q.Get("variables")); raw != "" {
				if err := json.Unmarshal([]byte(raw), &req.Variables); err != nil {
					httpx.Error(w, http.StatusBadRequest, "invalid variables")
					return
				}
			}
		case http.MethodPost:
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httpx.Error(w, http.StatusBadRequest, "invalid request body")
				return
			}
		default:
			httpx.Error(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if strings.TrimSpace(req.Query) == "" {
			httpx.Error(w, http.StatusBadRequest, "query is required")
			return
		}
		if r.Method == http.MethodGet && !queryOperationOnly(req.Query, req.OperationName) {
			httpx.Error(w, http.StatusMethodNotAllowed, "only query operations are allowed over GET")
			return
		}
		result := graphql.Do(graphql.Params{
			Schema:         schema,
			RequestString:  req.Query,
			OperationName:  req.OperationName,
			VariableValues: req.Variables,
			Context:        r.Context(),
		})
		httpx.WriteJSON(w, http.StatusOK, result)
	}
}

// queryOperationOnly reports whether the operation a GET request would execute
// is a plain query. Unparseable documents pass through so execution reports
// the syntax error in the usual GraphQL shape.
func queryOperationOnly(query, operationName string) bool {
	doc, err := parser.Parse(parser.ParseParams{
		Source: source.NewSource(&source.Source{Body: []byte(query)}),
	})
	if err != nil {
		return true
	}
	for _, def := range doc.Definitions {
		op, ok := def.(*ast.OperationDefinition)
		if !ok {
			continue
		}
		if operationName != "" && (op.Name == nil || op.Name.Value != operationName) {
			continue
		}
		if op.Operation != ast.OperationTypeQuery {
			return false
		}
	}
	return true
}
