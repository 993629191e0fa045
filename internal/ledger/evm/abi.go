package evm

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// PredictionDAOABI is the ABI of the prediction ledger contract. Writes are
// relayed by the service key; the voter is carried as an opaque string.
const PredictionDAOABI = `[
  {
    "type": "function",
    "name": "createPrediction",
    "inputs": [
      { "name": "creator", "type": "string" },
      { "name": "title", "type": "string" },
      { "name": "description", "type": "string" },
      { "name": "category", "type": "string" },
      { "name": "votingPeriodDays", "type": "uint256" }
    ],
    "outputs": [{ "name": "", "type": "uint256" }],
    "stateMutability": "nonpayable"
  },
  {
    "type": "function",
    "name": "vote",
    "inputs": [
      { "name": "predictionId", "type": "uint256" },
      { "name": "voter", "type": "string" },
      { "name": "support", "type": "bool" }
    ],
    "outputs": [],
    "stateMutability": "nonpayable"
  },
  {
    "type": "function",
    "name": "hasVoted",
    "inputs": [
      { "name": "predictionId", "type": "uint256" },
      { "name": "voter", "type": "string" }
    ],
    "outputs": [{ "name": "", "type": "bool" }],
    "stateMutability": "view"
  },
  {
    "type": "function",
    "name": "getPrediction",
    "inputs": [{ "name": "predictionId", "type": "uint256" }],
    "outputs": [
      { "name": "id", "type": "uint256" },
      { "name": "creator", "type": "string" },
      { "name": "title", "type": "string" },
      { "name": "description", "type": "string" },
      { "name": "category", "type": "string" },
      { "name": "endTime", "type": "uint256" },
      { "name": "isActive", "type": "bool" },
      { "name": "isApproved", "type": "bool" },
      { "name": "totalVotes", "type": "uint256" },
      { "name": "yesVotes", "type": "uint256" },
      { "name": "noVotes", "type": "uint256" },
      { "name": "createdAt", "type": "uint256" }
    ],
    "stateMutability": "view"
  },
  {
    "type": "function",
    "name": "getVotingStats",
    "inputs": [{ "name": "predictionId", "type": "uint256" }],
    "outputs": [
      { "name": "yesVotes", "type": "uint256" },
      { "name": "noVotes", "type": "uint256" },
      { "name": "totalVotes", "type": "uint256" },
      { "name": "approvalPercentage", "type": "uint256" }
    ],
    "stateMutability": "view"
  },
  {
    "type": "function",
    "name": "getActivePredictions",
    "inputs": [],
    "outputs": [{ "name": "", "type": "uint256[]" }],
    "stateMutability": "view"
  },
  {
    "type": "function",
    "name": "getApprovedPredictions",
    "inputs": [],
    "outputs": [{ "name": "", "type": "uint256[]" }],
    "stateMutability": "view"
  },
  {
    "type": "event",
    "name": "PredictionCreated",
    "anonymous": false,
    "inputs": [
      { "name": "predictionId", "type": "uint256", "indexed": true },
      { "name": "title", "type": "string", "indexed": false },
      { "name": "endTime", "type": "uint256", "indexed": false }
    ]
  },
  {
    "type": "event",
    "name": "VoteCast",
    "anonymous": false,
    "inputs": [
      { "name": "predictionId", "type": "uint256", "indexed": true },
      { "name": "voter", "type": "string", "indexed": false },
      { "name": "support", "type": "bool", "indexed": false }
    ]
  }
]`

func parseABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(PredictionDAOABI))
}
