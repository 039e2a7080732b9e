package model

// Region is a reporting-network region advertised by a tag.
type Region struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Host string `json:"host"`
}

var regions = []Region{
	{ID: 1, Name: "NA03D", Host: "chaser-na03d-useast2.samsungiots.com"},
	{ID: 3, Name: "NA03S", Host: "chaser-na03s-useast2.samsungiots.com"},
	{ID: 5, Name: "EU02S", Host: "chaser-eu02s-euwest1.samsungiots.com"},
	{ID: 7, Name: "NA03A", Host: "chaser-na03a-useast2.samsungiots.com"},
	{ID: 10, Name: "NA03", Host: "chaser-na03-useast2.samsungiotcloud.com"},
	{ID: 11, Name: "EU02", Host: "chaser-eu02-euwest1.samsungiotcloud.com"},
	{ID: 12, Name: "AP03", Host: "chaser-ap03-apnortheast2.samsungiotcloud.com"},
}

// RegionByID resolves a 4-bit region code.
func RegionByID(id int) (Region, bool) {
	for _, r := range regions {
		if r.ID == id {
			return r, true
		}
	}
	return Region{}, false
}
