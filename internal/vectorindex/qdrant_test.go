package vectorindex

import (
	"context"
	"errors"
	"testing"

	pb "github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type mockPoints struct {
	upserted   []*pb.UpsertPoints
	upsertErr  error
	deleted    []*pb.DeletePoints
	deleteErr  error
	searchReq  *pb.SearchPoints
	searchResp *pb.SearchResponse
	searchErr  error
	countResp  *pb.CountResponse
	countErr   error
}

func (m *mockPoints) Upsert(_ context.Context, in *pb.UpsertPoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	m.upserted = append(m.upserted, in)
	return &pb.PointsOperationResponse{}, m.upsertErr
}

func (m *mockPoints) Delete(_ context.Context, in *pb.DeletePoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	m.deleted = append(m.deleted, in)
	return &pb.PointsOperationResponse{}, m.deleteErr
}

func (m *mockPoints) Search(_ context.Context, in *pb.SearchPoints, _ ...grpc.CallOption) (*pb.SearchResponse, error) {
	m.searchReq = in
	return m.searchResp, m.searchErr
}

func (m *mockPoints) Count(_ context.Context, _ *pb.CountPoints, _ ...grpc.CallOption) (*pb.CountResponse, error) {
	return m.countResp, m.countErr
}

type mockCollections struct {
	listResp  *pb.ListCollectionsResponse
	listErr   error
	created   *pb.CreateCollection
	createErr error
}

func (m *mockCollections) List(_ context.Context, _ *pb.ListCollectionsRequest, _ ...grpc.CallOption) (*pb.ListCollectionsResponse, error) {
	return m.listResp, m.listErr
}

func (m *mockCollections) Create(_ context.Context, in *pb.CreateCollection, _ ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	m.created = in
	return &pb.CollectionOperationResponse{Result: true}, m.createErr
}

func TestPointID_Deterministic(t *testing.T) {
	a := PointID("chunk:doc-1:0")
	assert.Equal(t, a, PointID("chunk:doc-1:0"))
	assert.NotEqual(t, a, PointID("chunk:doc-1:1"))
	assert.Len(t, a, 36)
}

func TestQdrant_IndexExists(t *testing.T) {
	cols := &mockCollections{listResp: &pb.ListCollectionsResponse{
		Collections: []*pb.CollectionDescription{{Name: "other"}, {Name: "kb_chunks"}},
	}}
	b := NewQdrantBackend(&mockPoints{}, cols)

	ok, err := b.IndexExists(context.Background(), testSpec(4))
	require.NoError(t, err)
	assert.True(t, ok)

	cols.listResp = &pb.ListCollectionsResponse{}
	ok, err = b.IndexExists(context.Background(), testSpec(4))
	require.NoError(t, err)
	assert.False(t, ok)

	cols.listErr = errors.New("unavailable")
	_, err = b.IndexExists(context.Background(), testSpec(4))
	assert.Error(t, err)
}

func TestQdrant_CreateIndex(t *testing.T) {
	cols := &mockCollections{}
	b := NewQdrantBackend(&mockPoints{}, cols)

	spec := testSpec(4)
	spec.Metric = MetricIP
	require.NoError(t, b.CreateIndex(context.Background(), spec))
	params := cols.created.GetVectorsConfig().GetParams()
	assert.Equal(t, uint64(4), params.GetSize())
	assert.Equal(t, pb.Distance_Dot, params.GetDistance())

	cols.createErr = status.Error(codes.AlreadyExists, "collection exists")
	assert.ErrorIs(t, b.CreateIndex(context.Background(), spec), ErrIndexExists)

	cols.createErr = status.Error(codes.Unavailable, "down")
	err := b.CreateIndex(context.Background(), spec)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrIndexExists)
}

func TestQdrant_UpsertRecord(t *testing.T) {
	points := &mockPoints{}
	b := NewQdrantBackend(points, &mockCollections{})

	rec := Record{DocID: "doc-1", UserID: "u1", Path: "/a/b.md", Position: 2, Text: "hello", Vector: []float32{1, 0, 0, 0}}
	require.NoError(t, b.UpsertRecord(context.Background(), testSpec(4), "chunk:doc-1:2", rec))
	require.Len(t, points.upserted, 1)

	p := points.upserted[0].GetPoints()[0]
	assert.Equal(t, PointID("chunk:doc-1:2"), p.GetId().GetUuid())
	assert.Equal(t, "doc-1", p.GetPayload()["doc_id"].GetStringValue())
	assert.Equal(t, int64(2), p.GetPayload()["position"].GetIntegerValue())
	assert.Equal(t, "chunk:doc-1:2", p.GetPayload()["key"].GetStringValue())
	assert.Equal(t, "u1", p.GetPayload()["user_id"].GetStringValue())

	var scopes []string
	for _, v := range p.GetPayload()["scopes"].GetListValue().GetValues() {
		scopes = append(scopes, v.GetStringValue())
	}
	assert.Equal(t, []string{"/a", "/a/b.md"}, scopes)
}

func TestQdrant_KNN(t *testing.T) {
	payload := func(key, doc string, pos int64) map[string]*pb.Value {
		return map[string]*pb.Value{
			"key":      {Kind: &pb.Value_StringValue{StringValue: key}},
			"doc_id":   {Kind: &pb.Value_StringValue{StringValue: doc}},
			"position": {Kind: &pb.Value_IntegerValue{IntegerValue: pos}},
			"text":     {Kind: &pb.Value_StringValue{StringValue: "t"}},
		}
	}
	points := &mockPoints{searchResp: &pb.SearchResponse{Result: []*pb.ScoredPoint{
		{Score: 0.75, Payload: payload("chunk:doc-1:0", "doc-1", 0)},
		{Score: 0.5, Payload: payload("chunk:doc-1:1", "doc-1", 1)},
	}}}
	b := NewQdrantBackend(points, &mockCollections{})

	hits, err := b.KNN(context.Background(), testSpec(4), []float32{1, 0, 0, 0}, 5, Filter{DocID: "doc-1"})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.InDelta(t, 0.25, hits[0].Distance, 1e-6)
	assert.Equal(t, 1, hits[1].Position)
	assert.NotNil(t, points.searchReq.GetFilter())
	assert.Equal(t, uint64(5), points.searchReq.GetLimit())

	points.searchErr = errors.New("timeout")
	_, err = b.KNN(context.Background(), testSpec(4), []float32{1, 0, 0, 0}, 5, Filter{})
	assert.Error(t, err)
	assert.Nil(t, points.searchReq.GetFilter())
}

func TestQdrantFilter(t *testing.T) {
	assert.Nil(t, qdrantFilter(Filter{PathPrefix: "/"}))

	f := qdrantFilter(Filter{UserID: "u1", DocID: "doc-1", PathPrefix: "/work/"})
	require.Len(t, f.GetMust(), 3)
	got := map[string]string{}
	for _, c := range f.GetMust() {
		got[c.GetField().GetKey()] = c.GetField().GetMatch().GetKeyword()
	}
	assert.Equal(t, map[string]string{"user_id": "u1", "doc_id": "doc-1", "scopes": "/work"}, got)
}

func TestQdrant_DeleteDocument(t *testing.T) {
	points := &mockPoints{countResp: &pb.CountResponse{Result: &pb.CountResult{Count: 3}}}
	b := NewQdrantBackend(points, &mockCollections{})

	n, err := b.DeleteDocument(context.Background(), testSpec(4), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Len(t, points.deleted, 1)

	points.countResp = &pb.CountResponse{Result: &pb.CountResult{Count: 0}}
	n, err = b.DeleteDocument(context.Background(), testSpec(4), "doc-2")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, points.deleted, 1)
}

func TestQdrantScoreToDistance(t *testing.T) {
	assert.InDelta(t, 0.1, qdrantScoreToDistance(MetricCosine, 0.9), 1e-9)
	assert.InDelta(t, 2.5, qdrantScoreToDistance(MetricL2, 2.5), 1e-9)
	assert.Equal(t, pb.Distance_Euclid, qdrantDistance(MetricL2))
	assert.Equal(t, pb.Distance_Cosine, qdrantDistance(MetricCosine))
}
