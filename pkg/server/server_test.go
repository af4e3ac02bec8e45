package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/certen/signup-sequencer/pkg/field"
	"github.com/certen/signup-sequencer/pkg/identitytree"
	"github.com/certen/signup-sequencer/pkg/intake"
)

func newTestHandlers(t *testing.T) *Handlers {
	t.Helper()
	tree, err := identitytree.New(8)
	if err != nil {
		t.Fatal(err)
	}
	svc := intake.New(intake.DefaultConfig(), tree, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go svc.Run(ctx)
	return NewHandlers(svc, tree, nil, func() bool { return true }, 3600)
}

func TestHealthEndpoint(t *testing.T) {
	h := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestInsertIdentityRejectsEmptyBody(t *testing.T) {
	h := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodPost, "/insertIdentity", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestInsertIdentityAndFetchProof(t *testing.T) {
	h := newTestHandlers(t)

	commitment := field.FromUint64(42).Hex()
	body, _ := json.Marshal(insertIdentityRequest{IdentityCommitments: []string{commitment}})
	req := httptest.NewRequest(http.MethodPost, "/insertIdentity", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	proofBody, _ := json.Marshal(identityRequest{IdentityCommitment: commitment})
	proofReq := httptest.NewRequest(http.MethodPost, "/inclusionProof", bytes.NewReader(proofBody))
	proofRec := httptest.NewRecorder()
	h.Mux().ServeHTTP(proofRec, proofReq)
	if proofRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", proofRec.Code, proofRec.Body.String())
	}
}

func TestInsertIdentityRejectsDuplicate(t *testing.T) {
	h := newTestHandlers(t)
	commitment := field.FromUint64(43).Hex()
	body, _ := json.Marshal(insertIdentityRequest{IdentityCommitments: []string{commitment}})

	req1 := httptest.NewRequest(http.MethodPost, "/insertIdentity", bytes.NewReader(body))
	rec1 := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec1, req1)
	if rec1.Code != http.StatusOK {
		t.Fatalf("expected 200 on first insert, got %d", rec1.Code)
	}

	req2 := httptest.NewRequest(http.MethodPost, "/insertIdentity", bytes.NewReader(body))
	rec2 := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusConflict {
		t.Fatalf("expected 409 on duplicate insert, got %d", rec2.Code)
	}
}

func TestV2InsertAndDeleteByPath(t *testing.T) {
	h := newTestHandlers(t)
	commitment := field.FromUint64(44).Hex()

	insertReq := httptest.NewRequest(http.MethodPost, "/v2/identities/"+commitment, nil)
	insertRec := httptest.NewRecorder()
	h.Mux().ServeHTTP(insertRec, insertReq)
	if insertRec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", insertRec.Code, insertRec.Body.String())
	}

	deleteReq := httptest.NewRequest(http.MethodDelete, "/v2/identities/"+commitment, nil)
	deleteRec := httptest.NewRecorder()
	h.Mux().ServeHTTP(deleteRec, deleteReq)
	if deleteRec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", deleteRec.Code, deleteRec.Body.String())
	}
}

func TestV2InsertRejectsReAddOfDeleted(t *testing.T) {
	h := newTestHandlers(t)
	commitment := field.FromUint64(45).Hex()

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodPost, "/v2/identities/"+commitment, nil),
		httptest.NewRequest(http.MethodDelete, "/v2/identities/"+commitment, nil),
	} {
		rec := httptest.NewRecorder()
		h.Mux().ServeHTTP(rec, req)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
		}
	}

	reAddReq := httptest.NewRequest(http.MethodPost, "/v2/identities/"+commitment, nil)
	reAddRec := httptest.NewRecorder()
	h.Mux().ServeHTTP(reAddRec, reAddReq)
	if reAddRec.Code != http.StatusGone {
		t.Fatalf("expected 410, got %d: %s", reAddRec.Code, reAddRec.Body.String())
	}
}

func TestV3InsertPermitsReAddOfDeleted(t *testing.T) {
	h := newTestHandlers(t)
	commitment := field.FromUint64(46).Hex()

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodPost, "/v3/identities/"+commitment, nil),
		httptest.NewRequest(http.MethodDelete, "/v3/identities/"+commitment, nil),
	} {
		rec := httptest.NewRecorder()
		h.Mux().ServeHTTP(rec, req)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
		}
	}

	reAddReq := httptest.NewRequest(http.MethodPost, "/v3/identities/"+commitment, nil)
	reAddRec := httptest.NewRecorder()
	h.Mux().ServeHTTP(reAddRec, reAddReq)
	if reAddRec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", reAddRec.Code, reAddRec.Body.String())
	}
}

func TestV3InclusionProofByStatus(t *testing.T) {
	h := newTestHandlers(t)
	commitment := field.FromUint64(47).Hex()

	insertReq := httptest.NewRequest(http.MethodPost, "/v3/identities/"+commitment, nil)
	insertRec := httptest.NewRecorder()
	h.Mux().ServeHTTP(insertRec, insertReq)
	if insertRec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", insertRec.Code)
	}

	// Not yet processed: expect 404.
	processedReq := httptest.NewRequest(http.MethodGet, "/v3/identities/"+commitment+"/inclusion-proof/processed", nil)
	processedRec := httptest.NewRecorder()
	h.Mux().ServeHTTP(processedRec, processedReq)
	if processedRec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", processedRec.Code, processedRec.Body.String())
	}

	badStatusReq := httptest.NewRequest(http.MethodGet, "/v3/identities/"+commitment+"/inclusion-proof/bogus", nil)
	badStatusRec := httptest.NewRecorder()
	h.Mux().ServeHTTP(badStatusRec, badStatusReq)
	if badStatusRec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", badStatusRec.Code)
	}
}

func TestDeleteIdentityRejectsUnknownCommitment(t *testing.T) {
	h := newTestHandlers(t)
	commitment := field.FromUint64(48).Hex()
	body, _ := json.Marshal(identityRequest{IdentityCommitment: commitment})
	req := httptest.NewRequest(http.MethodPost, "/deleteIdentity", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestVerifyProofRejectsWrongShape(t *testing.T) {
	h := newTestHandlers(t)
	body, _ := json.Marshal(verifyProofRequest{Root: "0x1", NullifierHash: "0x2", Proof: []string{"1"}})
	req := httptest.NewRequest(http.MethodPost, "/verifySemaphoreProof", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestVerifyProofAcceptsCurrentRoot(t *testing.T) {
	h := newTestHandlers(t)
	proof := make([]string, 8)
	for i := range proof {
		proof[i] = "0x1"
	}
	body, _ := json.Marshal(verifyProofRequest{
		Root:          h.tree.Latest().Root().Hex(),
		NullifierHash: "0x2",
		Proof:         proof,
	})
	req := httptest.NewRequest(http.MethodPost, "/verifySemaphoreProof", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestVerifyProofRejectsUnknownRoot(t *testing.T) {
	h := newTestHandlers(t)
	proof := make([]string, 8)
	for i := range proof {
		proof[i] = "0x1"
	}
	body, _ := json.Marshal(verifyProofRequest{
		Root:          field.FromUint64(999).Hex(),
		NullifierHash: "0x2",
		Proof:         proof,
	})
	req := httptest.NewRequest(http.MethodPost, "/verifySemaphoreProof", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestDeleteRoundTripViaHTTP(t *testing.T) {
	h := newTestHandlers(t)
	commitment := field.FromUint64(50).Hex()
	insertBody, _ := json.Marshal(insertIdentityRequest{IdentityCommitments: []string{commitment}})
	insertReq := httptest.NewRequest(http.MethodPost, "/insertIdentity", bytes.NewReader(insertBody))
	insertRec := httptest.NewRecorder()
	h.Mux().ServeHTTP(insertRec, insertReq)
	if insertRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", insertRec.Code)
	}

	deleteBody, _ := json.Marshal(identityRequest{IdentityCommitment: commitment})
	deleteReq := httptest.NewRequest(http.MethodPost, "/deleteIdentity", bytes.NewReader(deleteBody))
	deleteRec := httptest.NewRecorder()
	h.Mux().ServeHTTP(deleteRec, deleteReq)
	if deleteRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", deleteRec.Code, deleteRec.Body.String())
	}
}
